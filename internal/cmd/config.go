package cmd

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/agentqueue/internal/config"
)

const redacted = "[redacted]"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration",
	Long: `Print the configuration after defaults, config files, environment
variables and flags are merged. Secrets are redacted.`,
	RunE: runConfigShow,
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List supported environment variables",
	RunE:  runConfigEnv,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEnvCmd)
	configShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	shown := redactConfig(*cfg)
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), shown)
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(shown); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to encode configuration", err)
	}
	return enc.Close()
}

// redactConfig hides the store auth token, including one embedded in the URL.
func redactConfig(cfg config.Config) config.Config {
	if cfg.Store.AuthToken != "" {
		cfg.Store.AuthToken = redacted
	}
	if cfg.Store.URL != "" {
		if u, err := url.Parse(cfg.Store.URL); err == nil {
			q := u.Query()
			if q.Get("authToken") != "" {
				q.Set("authToken", redacted)
				u.RawQuery = q.Encode()
				cfg.Store.URL = u.String()
			}
		}
	}
	return cfg
}

func runConfigEnv(cmd *cobra.Command, _ []string) error {
	specs := config.EnvSpecs()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "VARIABLE\tCONFIG KEY\tSET")
	for _, s := range specs {
		set := "-"
		if _, ok := os.LookupEnv(s.Name); ok {
			set = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Path, set)
	}
	return nil
}
