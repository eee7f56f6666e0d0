package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/agentqueue/pkg/output"
)

// endEvent is sent by the server when its feed closes.
const endEvent = "end"

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream scheduler events as JSONL",
	Long: `Connect to a running serve process and write its event stream to
stdout, one JSON record per line. A summary record is written when the
server closes the stream or the command is interrupted.

Examples:
  agentqueue watch
  agentqueue watch --project work/api --types job-started,job-completed,job-failed`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("server", "", "Server base URL (default: http://<server.host>:<server.port>)")
	watchCmd.Flags().String("project", "", "Only events for this project")
	watchCmd.Flags().StringSlice("types", nil, "Only these event types")
}

// sseFrame is one dispatched server-sent event.
type sseFrame struct {
	ID    string
	Event string
	Data  string
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	base, _ := cmd.Flags().GetString("server")
	project, _ := cmd.Flags().GetString("project")
	types, _ := cmd.Flags().GetStringSlice("types")
	if base == "" {
		base = "http://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := output.NewJSONLWriter(cmd.OutOrStdout(), base)
	defer func() { _ = w.Close() }()

	return watchEvents(ctx, http.DefaultClient, base, project, types, w)
}

func watchEvents(ctx context.Context, client *http.Client, base, project string, types []string, w output.Writer) error {
	endpoint, err := eventsURL(base, project, types)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --server value", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --server value", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "agentqueue server unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return exitError(foundry.ExitExternalServiceUnavailable, "Event stream refused",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	start := time.Now()
	summary := output.SummaryRecord{ByType: map[string]int64{}}
	finish := func(reason string) error {
		summary.Reason = reason
		summary.DurationMS = time.Since(start).Milliseconds()
		// The watch context may already be cancelled.
		return w.WriteSummary(context.Background(), &summary)
	}

	err = readSSE(resp.Body, func(f sseFrame) error {
		if f.Event == endEvent {
			return errStreamEnded
		}
		payload := json.RawMessage(f.Data)
		if !json.Valid(payload) {
			return w.WriteError(ctx, &output.ErrorRecord{Code: "BAD_EVENT", Message: "event data is not JSON: " + truncate(f.Data, 200)})
		}
		summary.Events++
		summary.ByType[f.Event]++
		return w.WriteEvent(ctx, &output.EventRecord{Seq: f.ID, Event: f.Event, Payload: payload})
	})

	switch {
	case errors.Is(err, errStreamEnded), err == nil:
		return finish("server-closed")
	case ctx.Err() != nil:
		return finish("interrupted")
	default:
		_ = w.WriteError(context.Background(), &output.ErrorRecord{Code: "STREAM_READ", Message: err.Error()})
		if ferr := finish("error"); ferr != nil {
			return ferr
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Event stream failed", err)
	}
}

var errStreamEnded = errors.New("event stream ended")

func eventsURL(base, project string, types []string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/api/v1/events")
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server URL must be absolute: %q", base)
	}
	q := u.Query()
	if project = strings.TrimSpace(project); project != "" {
		q.Set("project", project)
	}
	if len(types) > 0 {
		q.Set("types", strings.Join(types, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readSSE parses a text/event-stream body and calls fn for each dispatched
// event. Comments and retry hints are skipped. It returns fn's first error,
// a read error, or nil at EOF.
func readSSE(r io.Reader, fn func(sseFrame) error) error {
	br := bufio.NewReader(r)
	var (
		frame sseFrame
		data  []string
	)
	dispatch := func() error {
		defer func() {
			frame = sseFrame{}
			data = data[:0]
		}()
		if len(data) == 0 && frame.Event == "" {
			return nil
		}
		frame.Data = strings.Join(data, "\n")
		if frame.Event == "" {
			frame.Event = "message"
		}
		return fn(frame)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if line == "" && errors.Is(err, io.EOF) {
			return dispatch()
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if derr := dispatch(); derr != nil {
				return derr
			}
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				frame.ID = value
			case "event":
				frame.Event = value
			case "data":
				data = append(data, value)
			}
		}

		if errors.Is(err, io.EOF) {
			return dispatch()
		}
	}
}
