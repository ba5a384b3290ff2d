package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"tradecore/internal/ops"
)

var (
	configPath    string
	envFile       string
	pyroscopeAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "trader",
		Short:        "Automated equities trading core",
		Long:         "trader backtests strategies on historical bars, trades them against a broker, and rebuilds state from the journal.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(envFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (yaml, json or toml); TRADECORE_* variables override it")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&pyroscopeAddr, "pyroscope", "", "Pyroscope server address, profiling is off when empty")

	rootCmd.AddCommand(backtestCmd())
	rootCmd.AddCommand(liveCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(killSwitchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnv reads a dotenv file without overriding variables that are already set.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func loadConfig() (ops.Loaded, error) {
	loaded, err := ops.Load(configPath)
	if err != nil {
		return ops.Loaded{}, err
	}
	if configPath == "" {
		logs.Infof("no config file given, running on defaults")
	}
	return loaded, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// startProfiler pushes continuous profiles when an address is configured. The returned stop is never nil.
func startProfiler(app string) (func(), error) {
	if pyroscopeAddr == "" {
		return func() {}, nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "tradecore." + app,
		ServerAddress:   pyroscopeAddr,
		Tags: map[string]string{
			"env": os.Getenv("TRADECORE_ENV"),
		},
		Logger: profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return func() {}, fmt.Errorf("pyroscope start: %w", err)
	}
	return func() {
		_ = profiler.Stop()
	}, nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{}) { logs.Infof(format, args...) }
func (profilerLogger) Debugf(_ string, _ ...interface{}) {}
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }
