package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dk2014/hinako/pkg/hinako"
)

var validateCmd = &cobra.Command{
	Use:   "validate <config>",
	Short: "Parse a hook config and report what would be installed, without touching memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(args[0])
		if err != nil {
			return err
		}
		specs, err := cfg.toSpecs()
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", cfg)
		for _, s := range specs {
			fmt.Printf("  id=%-6d addr=0x%x flags=0x%x name=%s\n", s.ID, s.Target, uint32(s.Flags), s.FunctionName)
		}
		return nil
	},
}

var checkInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run <config>",
	Short: "Install the hooks from a config in this process and hold them until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runHooks,
}

func init() {
	runCmd.Flags().DurationVar(&checkInterval, "check-interval", 5*time.Second,
		"how often to poll for third-party overwrites of installed hooks (0 disables polling)")
}

func runHooks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	specs, err := cfg.toSpecs()
	if err != nil {
		return err
	}

	opts := []hinako.EngineOption{
		hinako.WithLogger(logger),
		hinako.WithCallbacks(&hinako.Callbacks{
			OnHookCalled: func(phase hinako.CallPhase, entry *hinako.HookEntry, rec *hinako.CallRecord) hinako.HandlerResult {
				logger.Debug("hook called", zap.Uint32("id", entry.ID), zap.Stringer("phase", phase))
				return hinako.HandlerContinue
			},
			OnHookOverwritten: func(ids []uint32) {
				logger.Warn("hook bytes overwritten by a third party", zap.Uint32s("ids", ids))
			},
			OnError: func(err error) {
				logger.Error("dispatcher error", zap.Error(err))
			},
		}),
	}
	if cfg.BlockSize != 0 {
		opts = append(opts, hinako.WithBlockSize(cfg.BlockSize))
	}
	if cfg.SuspendBatchSize != 0 {
		opts = append(opts, hinako.WithSuspendBatchSize(cfg.SuspendBatchSize))
	}
	if cfg.DrainRetries != 0 {
		opts = append(opts, hinako.WithDrainParams(cfg.DrainRetries, time.Duration(cfg.DrainIntervalMS)*time.Millisecond))
	}

	engine := hinako.New(opts...)
	if err := engine.Initialize(); err != nil {
		return err
	}
	if err := engine.Hook(specs); err != nil {
		return err
	}
	logger.Info("hooks installed", zap.Int("count", len(specs)))

	defer func() {
		if err := engine.UnhookAll(); err != nil {
			logger.Error("unhook on shutdown failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if checkInterval > 0 {
		ticker = time.NewTicker(checkInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-sig:
			logger.Info("shutting down")
			return nil
		case <-tick:
			if err := engine.CheckOverwrittenHooks(); err != nil {
				logger.Error("overwrite check failed", zap.Error(err))
			}
		}
	}
}
