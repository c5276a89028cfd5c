package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Inspect and operate on orders",
	Long:  "Commands for listing orders, viewing their status and tracking history, and retrying, restarting or cancelling them.",
}

// -- orders list --

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		tenant, _ := cmd.Flags().GetString("tenant")
		limit, _ := cmd.Flags().GetInt("limit")

		orders, err := env.Engine.ListOrders(ctx, store.OrderFilter{
			TenantID: tenant,
			Status:   model.OrderStatus(strings.ToUpper(status)),
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "orders list")
		}

		if len(orders) == 0 {
			fmt.Fprintln(os.Stderr, "No orders found.")
			return nil
		}

		formatOrdersList(os.Stdout, orders)
		return nil
	},
}

// -- orders show --

var ordersShowCmd = &cobra.Command{
	Use:   "show <order-id>",
	Short: "Show an order's status, current steps and open actions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Engine.GetStatus(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "orders show")
		}
		return printJSON(view)
	},
}

// -- orders tracking --

var ordersTrackingCmd = &cobra.Command{
	Use:   "tracking <order-id>",
	Short: "Print an order's tracking ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var all []model.TrackingEntry
		var cursor int64
		for {
			page, next, err := env.Engine.GetTracking(ctx, args[0], cursor, 500)
			if err != nil {
				return eris.Wrap(err, "orders tracking")
			}
			all = append(all, page...)
			if len(page) == 0 || next == cursor {
				break
			}
			cursor = next
		}

		formatTracking(os.Stdout, all)
		return nil
	},
}

// -- orders metrics --

var ordersMetricsCmd = &cobra.Command{
	Use:   "metrics <order-id>",
	Short: "Show processing metrics for an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		m, err := env.Engine.GetProcessingMetrics(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "orders metrics")
		}
		return printJSON(m)
	},
}

// -- orders stats --

var ordersStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show order counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		tenant, _ := cmd.Flags().GetString("tenant")
		orders, err := env.Engine.ListOrders(ctx, store.OrderFilter{TenantID: tenant, Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "orders stats")
		}

		formatOrderStats(os.Stdout, computeOrderStats(orders))
		return nil
	},
}

// -- orders advance / retry / restart / cancel --

var ordersAdvanceCmd = &cobra.Command{
	Use:   "advance <order-id>",
	Short: "Run the pipeline, submitting a validated order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Engine.Advance(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "orders advance")
		}
		return printJSON(res)
	},
}

var ordersRetryCmd = &cobra.Command{
	Use:   "retry <order-id> <step>",
	Short: "Re-run one stage (parse_file, validate_order, materialize_skus, submit_order)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Engine.Retry(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "orders retry")
		}
		return printJSON(res)
	},
}

var ordersRestartCmd = &cobra.Command{
	Use:   "restart <order-id> <checkpoint>",
	Short: "Restart from a tracking checkpoint such as FILE_PARSING_FAILED",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Engine.RestartFromCheckpoint(ctx, args[0], strings.ToUpper(args[1]))
		if err != nil {
			return eris.Wrap(err, "orders restart")
		}
		return printJSON(res)
	},
}

var ordersCancelCmd = &cobra.Command{
	Use:   "cancel <order-id>",
	Short: "Cancel an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		reason, _ := cmd.Flags().GetString("reason")
		o, err := env.Engine.Cancel(ctx, args[0], reason)
		if err != nil {
			return eris.Wrap(err, "orders cancel")
		}
		return printJSON(o)
	},
}

func init() {
	ordersListCmd.Flags().String("status", "", "filter by order status (UPLOADED, MISSING_INFO, VALIDATED, ...)")
	ordersListCmd.Flags().String("tenant", "", "filter by tenant id")
	ordersListCmd.Flags().Int("limit", 50, "max number of orders to display")
	ordersStatsCmd.Flags().String("tenant", "", "filter by tenant id")
	ordersCancelCmd.Flags().String("reason", "cancelled from cli", "cancellation reason")

	for _, c := range []*cobra.Command{
		ordersListCmd, ordersShowCmd, ordersTrackingCmd, ordersMetricsCmd, ordersStatsCmd,
		ordersAdvanceCmd, ordersRetryCmd, ordersRestartCmd, ordersCancelCmd,
	} {
		ordersCmd.AddCommand(c)
	}
	ordersCmd.GroupID = groupPipeline
	rootCmd.AddCommand(ordersCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// orderStats holds order counts computed from a set of orders.
type orderStats struct {
	Total    int
	ByStatus map[model.OrderStatus]int
	AvgScore float64
}

// computeOrderStats counts orders by status and averages the latest
// validation score over validated orders.
func computeOrderStats(orders []model.Order) orderStats {
	s := orderStats{Total: len(orders), ByStatus: make(map[model.OrderStatus]int)}
	var total float64
	var scored int
	for _, o := range orders {
		s.ByStatus[o.Status]++
		if o.LatestValidation != nil {
			total += o.LatestValidation.Score
			scored++
		}
	}
	if scored > 0 {
		s.AvgScore = total / float64(scored)
	}
	return s
}

// formatOrdersList writes a tabular list of orders to w.
func formatOrdersList(out io.Writer, orders []model.Order) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tORDER\tTENANT\tSTATUS\tSCORE\tITEMS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t------\t-----\t-----\t-------")

	for _, o := range orders {
		score := "-"
		if o.LatestValidation != nil {
			score = fmt.Sprintf("%.2f", o.LatestValidation.Score)
		}
		number := o.OrderNumber
		if len(number) > 24 {
			number = number[:21] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(o.ID),
			number,
			o.TenantID,
			o.Status,
			score,
			o.Totals.SKUCount,
			o.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatTracking writes ledger entries to w in sequence order.
func formatTracking(out io.Writer, entries []model.TrackingEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tTIME\tCATEGORY\tSTATUS\tMESSAGE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Seq,
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Category,
			e.Status,
			e.Message,
		)
	}
	_ = w.Flush()
}

// formatOrderStats writes aggregate stats to w.
func formatOrderStats(out io.Writer, s orderStats) {
	statuses := make([]string, 0, len(s.ByStatus))
	for st := range s.ByStatus {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total orders:\t%d\n", s.Total)
	for _, st := range statuses {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", st, s.ByStatus[model.OrderStatus(st)])
	}
	if s.AvgScore > 0 {
		_, _ = fmt.Fprintf(w, "Avg validation score:\t%.2f\n", s.AvgScore)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
