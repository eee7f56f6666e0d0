package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/agentqueue/internal/observability"
	"github.com/3leaps/agentqueue/internal/scheduler"
	"github.com/3leaps/agentqueue/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain queued jobs",
	Long: `Inspect and maintain the job database.

These commands read the database directly and work whether or not a serve
process is running. Use --json for machine-readable output.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs per project",
	Long: `List recent jobs for every project matching --project.

--project accepts a glob (doublestar syntax), so "work/**" matches every
project under work/. The default lists all projects.`,
	RunE: runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show one job, or queue-wide counts and active jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsStatus,
}

var jobsRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail running jobs that have no live process",
	Long: `Mark jobs stuck in running longer than --older-than as failed so they
are retried.

This command cannot see which jobs a serve process is executing. A live job
it fails becomes eligible again, so a second run of the same session can
start while the first is still going, and the first run's result is then
rejected. A running server already performs this sweep on its own schedule.
Run it only while no serve process owns the database.

An --older-than shorter than scheduler.stuck_threshold is refused unless
--force is given.`,
	RunE: runJobsRecover,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Apply the retention limit to finished jobs",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsRecoverCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().String("project", "**", "Project name or glob")
	jobsListCmd.Flags().String("status", "", "Only show jobs with this status")
	jobsListCmd.Flags().Int("limit", 20, "Jobs per project")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")

	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")

	jobsRecoverCmd.Flags().Duration("older-than", 0, "Running time after which a job counts as stuck (default: scheduler.stuck_threshold)")
	jobsRecoverCmd.Flags().Bool("force", false, "Allow --older-than below scheduler.stuck_threshold")
	jobsRecoverCmd.Flags().Bool("json", false, "Output as JSON")

	jobsGCCmd.Flags().Int("keep", 0, "Finished jobs to keep per project (default: scheduler.retention_count)")
	jobsGCCmd.Flags().String("project", "", "Only clean this project")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	pattern, _ := cmd.Flags().GetString("project")
	statusFlag, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	if !doublestar.ValidatePattern(pattern) {
		return exitError(foundry.ExitInvalidArgument, "Invalid --project pattern", fmt.Errorf("bad glob %q", pattern))
	}
	var status jobstore.Status
	if statusFlag != "" {
		if status, err = jobstore.ParseStatus(statusFlag); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
	}
	if limit < 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 1"))
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	projects, err := store.Projects(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list projects", err)
	}
	projects = matchProjects(projects, pattern)

	var jobs []jobstore.Job
	for _, p := range projects {
		rows, err := store.ListForProject(cmd.Context(), p, limit)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
		}
		jobs = append(jobs, filterStatus(rows, status)...)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if jobs == nil {
			jobs = []jobstore.Job{}
		}
		return writeJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tPRI\tSESSION\tCREATED\tSTARTED\tCOMPLETED\tCOMMAND")
	for _, j := range jobs {
		session := j.Session()
		if session == "" {
			session = "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			j.ID,
			j.ProjectName,
			j.Status,
			j.Priority,
			truncate(session, 12),
			formatOptionalTime(&j.CreatedAt),
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.CompletedAt),
			truncate(strings.ReplaceAll(j.Command, "\n", " "), 40),
		)
	}
	return nil
}

// matchProjects keeps projects matching a doublestar pattern, sorted.
func matchProjects(projects []string, pattern string) []string {
	out := make([]string, 0, len(projects))
	for _, p := range projects {
		if pattern == "" || pattern == "**" || p == pattern {
			out = append(out, p)
			continue
		}
		if ok, _ := doublestar.Match(pattern, p); ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func filterStatus(jobs []jobstore.Job, status jobstore.Status) []jobstore.Job {
	if status == "" {
		return jobs
	}
	out := jobs[:0:0]
	for _, j := range jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

type queueSummary struct {
	Counts jobstore.Stats `json:"counts"`
	Active []jobstore.Job `json:"active_jobs"`
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var id int64
	if len(args) == 1 {
		id, err = strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
		if err != nil || id <= 0 {
			return exitError(foundry.ExitInvalidArgument, "Invalid job id", fmt.Errorf("job id must be a positive integer: %q", args[0]))
		}
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out := cmd.OutOrStdout()
	if id > 0 {
		job, err := store.Get(cmd.Context(), id)
		if err != nil {
			if jobstore.IsNotFound(err) {
				return exitError(foundry.ExitFileNotFound, "Job not found", err)
			}
			return exitError(foundry.ExitFileReadError, "Failed to read job", err)
		}
		if jsonOutput {
			return writeJSON(out, job)
		}
		printJob(cmd, job)
		return nil
	}

	counts, err := store.Stats(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job counts", err)
	}
	active, err := store.ListActive(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list active jobs", err)
	}
	if active == nil {
		active = []jobstore.Job{}
	}
	if jsonOutput {
		return writeJSON(out, queueSummary{Counts: counts, Active: active})
	}

	_, _ = fmt.Fprintf(out, "pending=%d\nrunning=%d\ncompleted=%d\nfailed=%d\n",
		counts.Pending, counts.Running, counts.Completed, counts.Failed)
	if len(active) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tPRI\tSTARTED")
	for _, j := range active {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", j.ID, j.ProjectName, j.Status, j.Priority, formatOptionalTime(j.StartedAt))
	}
	return nil
}

func printJob(cmd *cobra.Command, j *jobstore.Job) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "job_id=%d\n", j.ID)
	_, _ = fmt.Fprintf(out, "project=%s\n", j.ProjectName)
	_, _ = fmt.Fprintf(out, "status=%s\n", j.Status)
	_, _ = fmt.Fprintf(out, "priority=%d\n", j.Priority)
	_, _ = fmt.Fprintf(out, "session_id=%s\n", optionalString(j.SessionID))
	_, _ = fmt.Fprintf(out, "user_id=%s\n", optionalString(j.UserID))
	_, _ = fmt.Fprintf(out, "created_at=%s\n", formatOptionalTime(&j.CreatedAt))
	_, _ = fmt.Fprintf(out, "started_at=%s\n", formatOptionalTime(j.StartedAt))
	_, _ = fmt.Fprintf(out, "completed_at=%s\n", formatOptionalTime(j.CompletedAt))
	if j.ErrorMessage != nil {
		_, _ = fmt.Fprintf(out, "error=%s\n", *j.ErrorMessage)
	}
	_, _ = fmt.Fprintf(out, "command=%s\n", j.Command)
}

type jobsRecoverResult struct {
	OlderThan string `json:"older_than"`
	Recovered int    `json:"recovered"`
}

func runJobsRecover(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	force, _ := cmd.Flags().GetBool("force")
	if olderThan < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --older-than value", fmt.Errorf("must be >= 0"))
	}
	if threshold := cfg.SchedulerOptions().StuckThreshold; olderThan > 0 && olderThan < threshold && !force {
		return exitError(foundry.ExitInvalidArgument, "Refusing a short --older-than",
			fmt.Errorf("%s is below scheduler.stuck_threshold (%s) and could fail jobs a serve process is still running; pass --force if none is", olderThan, threshold))
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	schedCfg := cfg.SchedulerOptions()
	if olderThan > 0 {
		schedCfg.StuckThreshold = olderThan
	}
	// No runner: the scheduler is only used for its sweep.
	sched := scheduler.New(schedCfg, store, nil, scheduler.WithLogger(observability.CLILogger))
	n, err := sched.RecoverStuck(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to recover stuck jobs", err)
	}

	res := jobsRecoverResult{OlderThan: sched.Config().StuckThreshold.String(), Recovered: n}
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "recovered=%d\nolder_than=%s\n", res.Recovered, res.OlderThan)
	return nil
}

type jobsGCResult struct {
	Project string `json:"project,omitempty"`
	Keep    int    `json:"keep"`
	Deleted int64  `json:"deleted"`
	TookMS  int64  `json:"took_ms"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	keep, _ := cmd.Flags().GetInt("keep")
	project, _ := cmd.Flags().GetString("project")
	if keep < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --keep value", fmt.Errorf("keep must be >= 0"))
	}
	if keep == 0 {
		keep = cfg.SchedulerOptions().RetentionCount
		if keep <= 0 {
			keep = scheduler.DefaultRetentionCount
		}
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	start := time.Now()
	deleted, err := store.RetentionCleanup(cmd.Context(), strings.TrimSpace(project), keep)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Retention cleanup failed", err)
	}
	res := jobsGCResult{Project: project, Keep: keep, Deleted: deleted, TookMS: time.Since(start).Milliseconds()}
	observability.CLILogger.Debug("retention cleanup", zap.Int64("deleted", deleted), zap.Int("keep", keep))

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d\nkeep=%d\n", res.Deleted, res.Keep)
	return nil
}
