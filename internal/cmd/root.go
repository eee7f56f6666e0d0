package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/agentqueue/internal/config"
	"github.com/3leaps/agentqueue/internal/observability"
	"github.com/3leaps/agentqueue/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentqueue",
	Short: "Durable per-project job queue for coding agents",
	Long: `agentqueue queues work for a command-line coding agent and runs it
one job at a time per project, many projects in parallel.

Jobs are stored in a local SQLite/libsql database. The serve command runs
the scheduler and the HTTP API; the other commands read and maintain the
same database directly.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: user config dir and ./.agentqueue.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records build metadata for the version command and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the loaded identity, or nil before the first
// command runs.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)
	if _, err := config.Load(cmd.Context()); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	appIdentity = config.AppIdentity()

	name := "agentqueue"
	if appIdentity != nil && appIdentity.BinaryName != "" {
		name = appIdentity.BinaryName
	}
	observability.InitCLILogger(name, verbose)
	return nil
}

// commandError carries the process exit code for a failed command.
type commandError struct {
	Code    int
	Message string
	Err     error
}

func (e *commandError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *commandError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &commandError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code carried by err, 1 for other errors and 0
// for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *commandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 1
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	if logger.Core().Enabled(zap.ErrorLevel) {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
		_ = logger.Sync()
	} else {
		// Configuration failed before the CLI logger existed.
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, err)
	}
	os.Exit(code)
}
