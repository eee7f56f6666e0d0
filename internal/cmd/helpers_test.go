package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/agentqueue/internal/config"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

// useTestConfig points every command at a fresh database under a temp home.
func useTestConfig(t *testing.T, env map[string]string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	t.Setenv("AGENTQUEUE_CONFIG", "")

	dbPath := filepath.Join(home, "jobs.db")
	t.Setenv("AGENTQUEUE_DB_PATH", dbPath)
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfgFile = ""
	config.SetConfigFile("")
	_, err := config.Load(context.Background())
	require.NoError(t, err)
	appIdentity = config.AppIdentity()
	return dbPath
}

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores flag defaults; cobra keeps values between runs.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func openTestStore(t *testing.T, path string) *jobstore.Store {
	t.Helper()
	store, err := jobstore.Open(context.Background(), jobstore.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func enqueueJob(t *testing.T, store *jobstore.Store, project, command string) int64 {
	t.Helper()
	id, err := store.Enqueue(context.Background(), jobstore.EnqueueParams{ProjectName: project, Command: command})
	require.NoError(t, err)
	return id
}
