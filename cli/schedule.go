package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalgp/runtime"
	"github.com/petal-labs/petalgp/schedule"
)

// NewScheduleCmd creates the "schedule" subcommand.
func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run trial batches on a cron schedule until interrupted",
		Long: "Start a trial batch every time the 5-field cron expression fires. " +
			"An activation that is due while the previous batch is still running is skipped.",
		Args: cobra.NoArgs,
		RunE: runSchedule,
	}

	addRunFlags(cmd)
	cmd.Flags().String("cron", "", "Cron expression (minute hour day-of-month month day-of-week)")
	cmd.Flags().String("id", "trial", "Job identifier shown in output")
	cmd.Flags().Duration("poll-interval", 5*time.Second, "How often to check for due runs")
	cmd.Flags().Int("max-runs", 0, "Exit after this many activations (0 = run until interrupted)")
	cmd.Flags().String("format", "text", "Output format: text | json")
	addRetentionFlags(cmd)
	_ = cmd.MarkFlagRequired("cron")

	return cmd
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := checkFormat(format, "text", "json"); err != nil {
		return err
	}
	expr, _ := cmd.Flags().GetString("cron")
	if _, err := schedule.Parse(expr); err != nil {
		return exitError(exitInputParse, "%v", err)
	}
	id, _ := cmd.Flags().GetString("id")
	poll, _ := cmd.Flags().GetDuration("poll-interval")
	maxRuns, _ := cmd.Flags().GetInt("max-runs")
	if maxRuns < 0 {
		return exitError(exitInputParse, "--max-runs must be >= 0, got %d", maxRuns)
	}

	opts, err := runFlags(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := attachObservers(ctx, cmd)
	if err != nil {
		return err
	}
	defer obs.Close()
	obs.apply(&opts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	report := &activationReporter{out: cmd.OutOrStdout(), format: format, max: maxRuns, done: cancel}
	sched := schedule.New(schedule.Config{
		PollInterval:  poll,
		Logger:        slog.Default(),
		OnRunFinished: report.finished,
	})
	if err := sched.Add(schedule.Job{ID: id, Cron: expr, Options: opts}); err != nil {
		return exitError(exitInputParse, "%v", err)
	}
	for _, j := range sched.Jobs() {
		slog.Info("job scheduled", "job_id", j.ID, "cron", j.Cron, "next_run_at", j.NextRunAt)
	}

	if err := sched.Start(ctx); err != nil {
		return exitError(exitRuntime, "starting scheduler: %v", err)
	}
	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		return exitError(exitRuntime, "stopping scheduler: %v", err)
	}
	return nil
}

// activationReporter prints each finished activation and cancels the
// schedule once max activations have been reported.
type activationReporter struct {
	mu     sync.Mutex
	out    io.Writer
	format string
	max    int
	count  int
	done   context.CancelFunc
}

func (r *activationReporter) finished(state schedule.JobState, sum *runtime.RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	if r.format == "json" {
		data, err := json.Marshal(struct {
			Job     schedule.JobState   `json:"job"`
			Summary *runtime.RunSummary `json:"summary,omitempty"`
		}{state, sum})
		if err == nil {
			fmt.Fprintln(r.out, string(data))
		}
	} else {
		line := fmt.Sprintf("%s %s run=%s", state.ID, state.LastStatus, state.LastRunID)
		if sum != nil {
			line += fmt.Sprintf(" completed=%d failed=%d", sum.Completed, sum.Failed)
		}
		if state.LastError != "" {
			line += " error=" + state.LastError
		}
		fmt.Fprintf(r.out, "%s next=%s\n", line, state.NextRunAt.Format(time.RFC3339))
	}

	if r.max > 0 && r.count >= r.max {
		r.done()
	}
}
