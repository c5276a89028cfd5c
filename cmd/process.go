package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/engine"
	"github.com/sells-group/orderflow/internal/model"
)

var (
	processTenant   string
	processPriority string
	processStrategy string
	processSubmit   bool
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Upload an order file and run the pipeline until it halts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := uploadAndProcess(ctx, env.Engine, args[0], processTenant)
		if err != nil {
			return err
		}
		if processSubmit && res.Halt == engine.HaltAwaitingSubmission {
			if res, err = env.Engine.Advance(ctx, res.OrderID); err != nil {
				return eris.Wrap(err, "submit order")
			}
		}

		zap.L().Info("processing halted",
			zap.String("order_id", res.OrderID),
			zap.String("halt", string(res.Halt)),
			zap.String("status", string(res.Order.Status)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	processCmd.Flags().StringVar(&processTenant, "tenant", "default", "tenant id")
	processCmd.Flags().StringVar(&processPriority, "priority", "", "order priority (LOW, NORMAL, HIGH, URGENT)")
	processCmd.Flags().StringVar(&processStrategy, "strategy", "", "extraction strategy override (deterministic, ai_assisted)")
	processCmd.Flags().BoolVar(&processSubmit, "submit", false, "submit the order when it validates")
	processCmd.GroupID = groupPipeline
	rootCmd.AddCommand(processCmd)
}

// uploadAndProcess creates an order from the file at path and runs the
// pipeline until it halts.
func uploadAndProcess(ctx context.Context, eng *engine.Engine, path, tenant string) (*engine.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	o, err := eng.Upload(ctx, engine.UploadRequest{
		TenantID: tenant,
		Filename: filepath.Base(path),
		Data:     data,
		Priority: model.Priority(strings.ToUpper(processPriority)),
		Strategy: model.Strategy(processStrategy),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "upload %s", path)
	}
	res, err := eng.Process(ctx, o.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "process order %s", o.ID)
	}
	return res, nil
}
