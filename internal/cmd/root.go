// Package cmd implements the slotbatch command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/internal/config"
	"github.com/3leaps/slotbatch/internal/observability"
)

var (
	cfgFile    string
	logLevel   string
	logProfile string
	verbose    bool
)

// VersionInfo is stamped at build time.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

var appIdentity *config.Identity

var rootCmd = &cobra.Command{
	Use:   "slotbatch",
	Short: "Run batches of isolated jobs across exclusive execution slots",
	Long: `slotbatch balances a batch of jobs across a fixed number of execution
slots (one per accelerator), runs each slot's queue in order inside a
private copy-on-write view of the job's dataset, enforces a timeout that
starts when the job reports real work, and merges every job's result into
one file.

Timed-out jobs can be re-run with 'run --retry-timeouts'; their new
results replace the old entries in the merged file.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	setDefaults()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: user config dir)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logProfile, "log-profile", "", "Log format: structured or console")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	_ = viper.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("logging.profile", pf.Lookup("log-profile"))
}

// setDefaults registers config defaults on the global viper instance.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity once the runtime is initialised.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	overrides := map[string]any{}
	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if logProfile != "" {
		logging["profile"] = logProfile
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(exitInvalidArgument, "Failed to load configuration", err)
	}

	id := config.DefaultIdentity
	appIdentity = &id

	if err := observability.InitCLILogger(observability.LogOptions{
		Service: id.BinaryName,
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
		Verbose: verbose,
	}); err != nil {
		return exitError(exitInvalidArgument, "Invalid log level", err)
	}
	observability.CLILogger.Debug("Runtime initialised",
		zap.String("version", versionInfo.Version),
		zap.String("log_level", cfg.Logging.Level))
	return nil
}

// Execute runs the root command and exits with the code carried by any
// returned ExitError.
func Execute() {
	err := rootCmd.Execute()
	observability.Sync()
	if err == nil {
		return
	}

	code := 1
	var ee *ExitError
	if errors.As(err, &ee) {
		code = ee.Code
	}
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(code)
}
