package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	logLevel string
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hinakoctl",
	Short: "Host-side control surface for an in-process hinako hook engine",
	Long: `hinakoctl drives a hinako.Engine from a config file: installing a
batch of hooks, watching for third-party overwrites, and tearing the
batch back down on exit. It never attaches to another process — hinako
hooks the calling process's own address space, so hinakoctl's "run"
command is the process being hooked.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogger,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("HINAKOCTL")
	viper.AutomaticEnv()

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
}

func setupLogger(cmd *cobra.Command, args []string) error {
	level := viper.GetString("log_level")
	if level == "" {
		level = logLevel
	}

	var zapLevel zap.AtomicLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = ""

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// Execute runs the root command; main.go's sole job is to call this and
// translate a non-nil error into a nonzero exit status.
func Execute() error {
	return rootCmd.Execute()
}
