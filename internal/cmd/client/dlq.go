package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// deadLetter mirrors the HTTP dead-letter view.
type deadLetter struct {
	ID           string            `json:"id"`
	Payload      []byte            `json:"payload"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	Reason       string            `json:"reason"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	DeadAt       time.Time         `json:"dead_at"`
	ReplayedAt   *time.Time        `json:"replayed_at,omitempty"`
}

func (d deadLetter) display() map[string]any {
	out := decodedPayload(d.Payload)
	out["id"] = d.ID
	out["attempt_count"] = d.AttemptCount
	out["reason"] = d.Reason
	out["dead_at"] = d.DeadAt
	if len(d.Attributes) > 0 {
		out["attributes"] = d.Attributes
	}
	if d.ReplayedAt != nil {
		out["replayed_at"] = *d.ReplayedAt
	}
	return out
}

// NewDLQCommand constructs the `dlq` command group and subcommands.
func NewDLQCommand(baseURL BaseURLFunc) *cobra.Command {
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead-letter queue operations"}
	dlqCmd.AddCommand(
		newDLQListCommand(baseURL),
		newDLQGetCommand(baseURL),
		newDLQReplayCommand(baseURL),
		newDLQPurgeCommand(baseURL),
	)
	return dlqCmd
}

// newDLQListCommand constructs the `dlq list` subcommand.
func newDLQListCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			path := "/v1/dlq"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var out struct {
				DeadLetters []deadLetter `json:"dead_letters"`
			}
			if err := callAPI(cmd.Context(), baseURL(), http.MethodGet, path, nil, nil, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, d := range out.DeadLetters {
				_ = enc.Encode(d.display())
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 0, "Max records (0 = all)")
	return cmd
}

// newDLQGetCommand constructs the `dlq get` subcommand.
func newDLQGetCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d deadLetter
			if err := callAPI(cmd.Context(), baseURL(), http.MethodGet, "/v1/dlq/"+url.PathEscape(args[0]), nil, nil, &d); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d.display())
		},
	}
}

// newDLQReplayCommand constructs the `dlq replay` subcommand.
func newDLQReplayCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>",
		Short: "Re-enqueue a dead letter with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"id": args[0]})
			if err := callAPI(cmd.Context(), baseURL(), http.MethodPost, "/v1/dlq/replay", body,
				map[string]string{"Content-Type": "application/json"}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %s\n", args[0])
			return nil
		},
	}
}

// newDLQPurgeCommand constructs the `dlq purge` subcommand.
func newDLQPurgeCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id>",
		Short: "Delete a dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := callAPI(cmd.Context(), baseURL(), http.MethodDelete, "/v1/dlq/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
			return nil
		},
	}
}
