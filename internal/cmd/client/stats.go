package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewStatsCommand constructs the `stats` command.
func NewStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pending, leased and dead counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]int
			if err := callAPI(cmd.Context(), baseURL(), http.MethodGet, "/v1/stats", nil, nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending: %d\nleased:  %d\ndead:    %d\n", out["pending"], out["leased"], out["dead"])
			return nil
		},
	}
}

// NewDeliveriesCommand constructs the `deliveries` command group.
func NewDeliveriesCommand(baseURL BaseURLFunc) *cobra.Command {
	deliveriesCmd := &cobra.Command{Use: "deliveries", Short: "Fan-out delivery operations"}
	failedCmd := &cobra.Command{
		Use:   "failed",
		Short: "List deliveries that exhausted their retries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			path := "/v1/deliveries/failed"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var out map[string]any
			if err := callAPI(cmd.Context(), baseURL(), http.MethodGet, path, nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	failedCmd.Flags().Int("limit", 20, "Max records (0 = all)")
	deliveriesCmd.AddCommand(failedCmd)
	return deliveriesCmd
}

// NewHealthCommand constructs the `health` command, which asks the gRPC
// health service at FANQ_GRPC.
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			service, _ := cmd.Flags().GetString("service")
			conn, err := dialGRPC()
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", res.GetStatus().String())
			if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("server is %s", res.GetStatus())
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	cmd.Flags().String("service", "", "Service name (empty = overall)")
	return cmd
}
