package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/queuectl"
)

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <job-json>",
		Short: "Add a new job to the queue",
		Long: `Add a new job to the queue. The argument is a JSON object with required
"id" and "command" fields, an optional "max_retries" integer, and any number
of additional fields stored verbatim as metadata.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseJobJSON(args[0])
			if err != nil {
				return err
			}

			e, err := loadEnv()
			if err != nil {
				return err
			}
			store, mgr, err := e.openManager()
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := mgr.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job %s enqueued (max_retries=%d)\n", job.ID, job.MaxRetries)
			return nil
		},
	}
}

// parseJobJSON decodes the enqueue payload: id and command are required,
// max_retries is optional, everything else becomes metadata.
func parseJobJSON(raw string) (queuectl.EnqueueRequest, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return queuectl.EnqueueRequest{}, fmt.Errorf("%w: invalid JSON: %v", queuectl.ErrValidation, err)
	}

	req := queuectl.EnqueueRequest{}

	id, ok := payload["id"].(string)
	if !ok || id == "" {
		return queuectl.EnqueueRequest{}, fmt.Errorf("%w: job %q must be a non-empty string", queuectl.ErrValidation, "id")
	}
	req.ID = id

	command, ok := payload["command"].(string)
	if !ok || command == "" {
		return queuectl.EnqueueRequest{}, fmt.Errorf("%w: job %q must be a non-empty string", queuectl.ErrValidation, "command")
	}
	req.Command = command

	if raw, present := payload["max_retries"]; present {
		n, err := cast.ToIntE(raw)
		if err != nil || n < 1 {
			return queuectl.EnqueueRequest{}, fmt.Errorf("%w: max_retries must be an integer >= 1", queuectl.ErrValidation)
		}
		req.MaxRetries = n
	}

	for key, value := range payload {
		switch key {
		case "id", "command", "max_retries":
			continue
		}
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		req.Metadata[key] = renderMetadataValue(value)
	}

	return req, nil
}

// renderMetadataValue flattens a JSON value to the string form carried in
// job metadata. Nested structures keep their JSON encoding.
func renderMetadataValue(value interface{}) string {
	if s, err := cast.ToStringE(value); err == nil {
		return s
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(raw)
}
