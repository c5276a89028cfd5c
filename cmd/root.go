package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/config"
)

const (
	groupPipeline = "pipeline"
	groupService  = "service"
	groupAdmin    = "admin"
)

var cfg *config.Config

// Persistent flags. Empty values leave the loaded configuration alone.
var (
	configPath  string
	logLevel    string
	storeDriver string
	databaseURL string
)

var rootCmd = &cobra.Command{
	Use:   "orderflow",
	Short: "Order processing workflow engine",
	Long:  "Parses uploaded retailer order files, validates and scores them, runs the correction and email loop with the retailer, and submits ready orders to the supplier.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFile(configPath)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyFlags(c)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.String("file", configPath),
			zap.String("store_driver", cfg.Store.Driver),
			zap.String("strategy", cfg.Pipeline.Strategy),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// applyFlags lays the persistent flags over the loaded configuration.
func applyFlags(c *config.Config) {
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if storeDriver != "" {
		c.Store.Driver = storeDriver
	}
	if databaseURL != "" {
		c.Store.DatabaseURL = databaseURL
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ./config.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	pf.StringVar(&storeDriver, "store", "", "override store.driver (sqlite, postgres)")
	pf.StringVar(&databaseURL, "database-url", "", "override store.database_url")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupPipeline, Title: "Order pipeline:"},
		&cobra.Group{ID: groupService, Title: "Long-running services:"},
		&cobra.Group{ID: groupAdmin, Title: "Administration:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
