package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/agentqueue/internal/errors"
	"github.com/3leaps/agentqueue/internal/server/handlers"
)

var abortCmd = &cobra.Command{
	Use:   "abort <session_id>",
	Short: "Abort the agent process running for a session",
	Long: `Abort the agent process running for a session.

Processes belong to the serve process, so this calls its HTTP API. The job
is recorded as failed and will be retried unless it is removed.`,
	Args: cobra.ExactArgs(1),
	RunE: runAbort,
}

func init() {
	rootCmd.AddCommand(abortCmd)
	abortCmd.Flags().String("server", "", "Server base URL (default: http://<server.host>:<server.port>)")
	abortCmd.Flags().Duration("timeout", 10*time.Second, "Request timeout")
	abortCmd.Flags().Bool("json", false, "Output as JSON")
}

func runAbort(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	base, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	session := strings.TrimSpace(args[0])
	if session == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid session id", fmt.Errorf("session id is required"))
	}
	if base == "" {
		base = "http://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	res, err := requestAbort(ctx, http.DefaultClient, base, session)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session_id=%s\naborted=%t\n", res.SessionID, res.Aborted)
	return nil
}

func requestAbort(ctx context.Context, client *http.Client, base, session string) (*handlers.AbortResponse, error) {
	endpoint := strings.TrimRight(base, "/") + "/api/v1/sessions/" + url.PathEscape(session) + "/abort"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --server value", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "agentqueue server unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to read server response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env apperrors.HTTPErrorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, exitError(foundry.ExitFileNotFound, "No running process for session", fmt.Errorf("%s", msg))
		}
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Abort request failed",
			fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}

	var out handlers.AbortResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Malformed server response", err)
	}
	return &out, nil
}
