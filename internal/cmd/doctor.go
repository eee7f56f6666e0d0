package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/agentqueue/internal/config"
	apperrors "github.com/3leaps/agentqueue/internal/errors"
	"github.com/3leaps/agentqueue/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  agentqueue doctor            # Full environment check
  agentqueue doctor --skip-store  # Skip opening the job database`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Bool("skip-store", false, "Skip the job store check")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	skipStore, _ := cmd.Flags().GetBool("skip-store")

	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6
	if !skipStore {
		totalChecks = 7
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible and Gofulmen
	version := crucible.GetVersion()
	if version.Crucible != "" && version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible/Gofulmen access... ✅ v%s / v%s", checkNum, totalChecks, version.Crucible, version.Gofulmen),
			zap.String("crucible_version", version.Crucible),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible/Gofulmen access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			apperrors.NewExternalServiceError("Crucible service unavailable"))
		allChecks = false
	}
	checkNum++

	// Check 3: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory",
			apperrors.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 4: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	cfg := config.GetConfig()

	// Check 5: Agent binary
	agentBinary := cfg.AgentOptions().Binary
	if path, err := lookupAgent(agentBinary); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking agent binary... ❌ %s not found on PATH", checkNum, totalChecks, agentBinary),
			zap.Error(err))
		printAgentHelp()
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking agent binary... ✅ %s", checkNum, totalChecks, path),
			zap.String("agent_binary", path))
	}
	checkNum++

	// Check 6: Projects root
	if ok, detail := checkProjectsRoot(cfg.Scheduler.ProjectsRoot); ok {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking projects root... ✅ %s", checkNum, totalChecks, detail))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking projects root... ⚠️  %s", checkNum, totalChecks, detail))
		allChecks = false
	}
	checkNum++

	// Check 7: Job store
	if !skipStore {
		allChecks = checkStore(cmd.Context(), cfg, checkNum, totalChecks) && allChecks
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

func lookupAgent(binary string) (string, error) {
	if strings.TrimSpace(binary) == "" {
		return "", fmt.Errorf("agent.binary is empty")
	}
	return exec.LookPath(binary)
}

// checkProjectsRoot reports whether relative project names can resolve.
func checkProjectsRoot(root string) (bool, string) {
	if strings.TrimSpace(root) == "" {
		return true, "not set (project names must be absolute paths)"
	}
	info, err := os.Stat(root)
	if err != nil {
		return false, fmt.Sprintf("%s: %v", root, err)
	}
	if !info.IsDir() {
		return false, fmt.Sprintf("%s is not a directory", root)
	}
	return true, root
}

func checkStore(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	location := cfg.Store.Path
	if cfg.Store.URL != "" {
		location = redactConfig(*cfg).Store.URL
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ Cannot open %s", checkNum, totalChecks, location),
			zap.Error(err))
		return false
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ Cannot query %s", checkNum, totalChecks, location),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking job store... ✅ %s (%d jobs)", checkNum, totalChecks, location, stats.Total()),
		zap.Int("pending", stats.Pending),
		zap.Int("running", stats.Running))
	return true
}

func printAgentHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure the agent binary:")
	observability.CLILogger.Info("  1. Install the agent CLI and make sure it is on PATH, or")
	observability.CLILogger.Info("  2. Set agent.binary in the config file, or")
	observability.CLILogger.Info("  3. Set AGENTQUEUE_AGENT_BINARY to its absolute path")
	observability.CLILogger.Info("")
}
