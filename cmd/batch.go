package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/orderflow/internal/engine"
	"github.com/sells-group/orderflow/internal/fetcher"
)

var (
	batchLimit  int
	batchTenant string
)

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Upload and process every order file in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		paths, err := orderFiles(args[0])
		if err != nil {
			return err
		}

		_, err = processBatch(ctx, paths, batchLimit, cfg.Batch.MaxConcurrentOrders, func(ctx context.Context, path string) (*engine.Result, error) {
			return uploadAndProcess(ctx, env.Engine, path, batchTenant)
		})
		return err
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of files to process")
	batchCmd.Flags().StringVar(&batchTenant, "tenant", "default", "tenant id")
	batchCmd.GroupID = groupPipeline
	rootCmd.AddCommand(batchCmd)
}

// orderFiles lists files in dir with an extension the extractor reads,
// sorted by name. Hidden files and subdirectories are skipped.
func orderFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read dir %s", dir)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if fetcher.ParseFormat(filepath.Ext(name)) == fetcher.FormatUnknown {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	slices.Sort(paths)
	return paths, nil
}

// processFunc runs one order file through the pipeline.
type processFunc func(ctx context.Context, path string) (*engine.Result, error)

// batchSummary counts batch outcomes. Halted orders (waiting on the
// retailer, failed, awaiting submission) count as processed.
type batchSummary struct {
	Processed int64
	Errored   int64
	Halts     map[engine.Halt]int64
}

// processBatch applies limit, then processes files concurrently. A file that
// errors does not abort the batch.
func processBatch(ctx context.Context, paths []string, limit, concurrency int, process processFunc) (*batchSummary, error) {
	sum := &batchSummary{Halts: make(map[engine.Halt]int64)}
	if len(paths) == 0 {
		zap.L().Info("no order files found")
		return sum, nil
	}

	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("files", len(paths)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var processed, errored atomic.Int64
	halts := make([]engine.Halt, len(paths))

	for i, path := range paths {
		g.Go(func() error {
			log := zap.L().With(zap.String("file", path))

			res, err := process(gctx, path)
			if err != nil {
				errored.Add(1)
				log.Error("order processing failed", zap.Error(err))
				return nil
			}

			processed.Add(1)
			halts[i] = res.Halt
			log.Info("order processed",
				zap.String("order_id", res.OrderID),
				zap.String("halt", string(res.Halt)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return sum, eris.Wrap(err, "batch processing")
	}

	sum.Processed = processed.Load()
	sum.Errored = errored.Load()
	for _, h := range halts {
		if h != "" {
			sum.Halts[h]++
		}
	}
	zap.L().Info("batch complete",
		zap.Int64("processed", sum.Processed),
		zap.Int64("errored", sum.Errored),
	)
	return sum, nil
}
