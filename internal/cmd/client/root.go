package client

import (
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewRoot constructs a root Cobra command for the fanq client.
// It registers every client command group.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "fanq",
		Short: "fanq client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands registers the client commands on root.
func AddCommands(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(
		NewSubmitCommand(baseURL),
		NewDLQCommand(baseURL),
		NewStatsCommand(baseURL),
		NewDeliveriesCommand(baseURL),
		NewHealthCommand(),
	)
}
