package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/agentqueue/internal/observability"
	"github.com/3leaps/agentqueue/internal/scheduler"
	"github.com/3leaps/agentqueue/pkg/agentproc"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

var submitCmd = &cobra.Command{
	Use:   "submit [command text | -]",
	Short: "Queue a job for a project",
	Long: `Queue a job for a project.

The command text is taken from the arguments, or from stdin when the only
argument is "-". The job is written to the database; a running serve process
picks it up on its next poll.

The agent runs in --cwd when given. Otherwise an absolute --project is used
as the directory, and a relative one is resolved under
scheduler.projects_root. A job that resolves to no directory is rejected.

Examples:
  agentqueue submit --project myapp "fix the failing tests"
  agentqueue submit --project myapp --session 3f2c... "continue"
  agentqueue submit --project myapp --cwd ~/src/myapp "fix the failing tests"
  agentqueue submit --project myapp --model opus --image shot.png "what is wrong here?"
  echo "summarize the repo" | agentqueue submit --project myapp -`,
	Args: cobra.ArbitraryArgs,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("project", "", "Project name or absolute path (required)")
	submitCmd.Flags().String("session", "", "Resume this agent session")
	submitCmd.Flags().String("cwd", "", "Working directory for the agent (sets options.cwd)")
	submitCmd.Flags().String("user", "", "Submitting user id")
	submitCmd.Flags().Int("priority", 0, "Priority; higher runs first within the project")
	submitCmd.Flags().String("options", "", "Agent options as a JSON object")
	submitCmd.Flags().String("model", "", "Agent model (sets options.model)")
	submitCmd.Flags().String("permission-mode", "", "Agent permission mode (sets options.permissionMode)")
	submitCmd.Flags().StringSlice("allowed-tools", nil, "Allowed tools (sets options.allowedTools)")
	submitCmd.Flags().StringSlice("disallowed-tools", nil, "Disallowed tools (sets options.disallowedTools)")
	submitCmd.Flags().StringArray("image", nil, "Attach an image file (repeatable)")
	submitCmd.Flags().Bool("json", false, "Output as JSON")
	_ = submitCmd.MarkFlagRequired("project")
}

type submitResult struct {
	ID      int64           `json:"id"`
	Project string          `json:"project"`
	Status  jobstore.Status `json:"status"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	text, err := commandText(args, cmd.InOrStdin())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read stdin", err)
	}

	project, _ := cmd.Flags().GetString("project")
	session, _ := cmd.Flags().GetString("session")
	user, _ := cmd.Flags().GetString("user")
	priority, _ := cmd.Flags().GetInt("priority")

	options, err := submitOptions(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job options", err)
	}
	if err := agentproc.ValidateOptions(options); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job options", err)
	}

	req := scheduler.SubmitRequest{
		ProjectName: strings.TrimSpace(project),
		SessionID:   strings.TrimSpace(session),
		Command:     text,
		Options:     options,
		UserID:      strings.TrimSpace(user),
		Priority:    priority,
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(req); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid submit request", err)
	}
	if _, err := cfg.SchedulerOptions().ResolveWorkDir(req.ProjectName, req.Options); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid working directory", err)
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	id, err := store.Enqueue(cmd.Context(), jobstore.EnqueueParams{
		ProjectName: req.ProjectName,
		SessionID:   req.SessionID,
		Command:     req.Command,
		Options:     req.Options,
		UserID:      req.UserID,
		Priority:    req.Priority,
	})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to enqueue job", err)
	}
	observability.CLILogger.Debug("job queued", zap.Int64("job_id", id), zap.String("project", req.ProjectName))

	res := submitResult{ID: id, Project: req.ProjectName, Status: jobstore.StatusPending}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%d\nproject=%s\nstatus=%s\n", res.ID, res.Project, res.Status)
	return nil
}

// commandText joins args, or reads stdin for a lone "-".
func commandText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	return strings.Join(args, " "), nil
}

// submitOptions merges --options with the convenience flags. Flags win.
func submitOptions(cmd *cobra.Command) (json.RawMessage, error) {
	raw, _ := cmd.Flags().GetString("options")
	opts := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return nil, fmt.Errorf("--options must be a JSON object: %w", err)
		}
		if opts == nil {
			opts = map[string]any{}
		}
	}

	if v, _ := cmd.Flags().GetString("cwd"); strings.TrimSpace(v) != "" {
		dir, err := filepath.Abs(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("--cwd: %w", err)
		}
		opts["cwd"] = dir
	}
	if v, _ := cmd.Flags().GetString("model"); v != "" {
		opts["model"] = v
	}
	if v, _ := cmd.Flags().GetString("permission-mode"); v != "" {
		opts["permissionMode"] = v
	}
	if v, _ := cmd.Flags().GetStringSlice("allowed-tools"); len(v) > 0 {
		opts["allowedTools"] = v
	}
	if v, _ := cmd.Flags().GetStringSlice("disallowed-tools"); len(v) > 0 {
		opts["disallowedTools"] = v
	}

	paths, _ := cmd.Flags().GetStringArray("image")
	if len(paths) > 0 {
		images := make([]agentproc.Image, 0, len(paths))
		for _, p := range paths {
			img, err := loadImage(p)
			if err != nil {
				return nil, err
			}
			images = append(images, img)
		}
		opts["images"] = images
	}

	if len(opts) == 0 {
		return nil, nil
	}
	return json.Marshal(opts)
}

// loadImage reads an image file into an inline attachment. The media type
// is sniffed from the content.
func loadImage(path string) (agentproc.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return agentproc.Image{}, fmt.Errorf("read image %s: %w", path, err)
	}
	mt := mimetype.Detect(data)
	switch mt.String() {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
	default:
		return agentproc.Image{}, fmt.Errorf("image %s: unsupported media type %s", path, mt.String())
	}
	return agentproc.Image{
		Data:      base64.StdEncoding.EncodeToString(data),
		MediaType: mt.String(),
		Name:      filepath.Base(path),
	}, nil
}
