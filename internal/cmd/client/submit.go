package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewSubmitCommand constructs the `submit` command.
//
// The payload is the first argument, or stdin when it is "-" or absent.
// With --message the payload is sent as the structured message request.
func NewSubmitCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [payload|-]",
		Short: "Submit a payload to the pipeline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, _ := cmd.Flags().GetStringArray("attr")
			delay, _ := cmd.Flags().GetDuration("delay")
			asMessage, _ := cmd.Flags().GetBool("message")
			priority, _ := cmd.Flags().GetString("priority")
			category, _ := cmd.Flags().GetString("category")
			contentType, _ := cmd.Flags().GetString("content-type")

			var payload []byte
			if len(args) == 0 || args[0] == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				payload = b
			} else {
				payload = []byte(args[0])
			}

			if asMessage {
				msg := json.RawMessage(payload)
				if !json.Valid(payload) {
					quoted, _ := json.Marshal(string(payload))
					msg = quoted
				}
				req := map[string]any{"message": msg}
				if priority != "" {
					req["priority"] = priority
				}
				if category != "" {
					req["category"] = category
				}
				body, _ := json.Marshal(req)
				var out map[string]string
				if err := callAPI(cmd.Context(), baseURL(), http.MethodPost, "/v1/messages", body,
					map[string]string{"Content-Type": "application/json"}, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			hdr, err := attrHeaders(attrs)
			if err != nil {
				return err
			}
			if delay > 0 {
				hdr["X-Fanq-Attr-Delay-Ms"] = strconv.FormatInt(delay.Milliseconds(), 10)
			}
			if priority != "" {
				hdr["X-Fanq-Attr-Priority"] = priority
			}
			if category != "" {
				hdr["X-Fanq-Attr-Category"] = category
			}
			if contentType != "" {
				hdr["Content-Type"] = contentType
			}
			var out map[string]any
			if err := callAPI(cmd.Context(), baseURL(), http.MethodPost, "/v1/submit", payload, hdr, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringArray("attr", nil, "Attribute key=value (repeatable)")
	cmd.Flags().Duration("delay", 0, "Delay before the envelope becomes leasable")
	cmd.Flags().Bool("message", false, "Send as a structured message request")
	cmd.Flags().String("priority", "", "Priority attribute")
	cmd.Flags().String("category", "", "Category attribute")
	cmd.Flags().String("content-type", "", "Content-Type of the payload")
	return cmd
}

// attrHeaders turns key=value pairs into X-Fanq-Attr-* headers.
func attrHeaders(attrs []string) (map[string]string, error) {
	hdr := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --attr %q; expected key=value", kv)
		}
		hdr["X-Fanq-Attr-"+strings.ReplaceAll(k, "_", "-")] = v
	}
	return hdr, nil
}
