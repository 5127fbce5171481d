package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalgp/bus"
	petalotel "github.com/petal-labs/petalgp/otel"
	"github.com/petal-labs/petalgp/runtime"
)

// NewTrialCmd creates the "trial" subcommand.
func NewTrialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trial",
		Short: "Generate and evaluate a batch of random trees",
		Long: "Generate random trees at depths drawn from [--min-depth, --max-depth], " +
			"evaluate and force each one, and report a summary.",
		Args: cobra.NoArgs,
		RunE: runTrial,
	}

	addRunFlags(cmd)
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Duration("timeout", 0, "Cancel the run after this long (0 = no limit)")
	cmd.Flags().Bool("progress", false, "Print throttled progress to stderr")

	return cmd
}

// addRunFlags registers the flags shared by trial and schedule.
func addRunFlags(cmd *cobra.Command) {
	def := runtime.DefaultRunOptions()
	cmd.Flags().IntP("trials", "n", def.Trials, "Number of trials")
	cmd.Flags().Int("min-depth", def.MinDepth, "Smallest max depth drawn per trial")
	cmd.Flags().Int("max-depth", def.MaxDepth, "Largest max depth drawn per trial")
	cmd.Flags().Uint64("seed", 0, "Random seed (0 = seed from the clock)")
	cmd.Flags().Bool("stop-on-error", false, "Stop at the first failed trial")
	cmd.Flags().Bool("persist", false, "Record run events in the SQLite run store")
	cmd.Flags().String("otel-endpoint", "", "OTLP/HTTP collector host:port for traces")
	cmd.Flags().Bool("otel-insecure", false, "Send traces over plain HTTP")
	addCatalogFlag(cmd)
	addStoreFlag(cmd)
}

// runFlags resolves the shared run flags into RunOptions.
func runFlags(cmd *cobra.Command) (runtime.RunOptions, error) {
	opts := runtime.DefaultRunOptions()
	opts.Trials, _ = cmd.Flags().GetInt("trials")
	opts.MinDepth, _ = cmd.Flags().GetInt("min-depth")
	opts.MaxDepth, _ = cmd.Flags().GetInt("max-depth")
	opts.Seed, _ = cmd.Flags().GetUint64("seed")
	opts.StopOnError, _ = cmd.Flags().GetBool("stop-on-error")
	opts.Logger = slog.Default()

	if opts.Trials < 1 {
		return opts, exitError(exitInputParse, "--trials must be >= 1, got %d", opts.Trials)
	}
	if opts.MinDepth < 0 || opts.MaxDepth < opts.MinDepth {
		return opts, exitError(exitInputParse, "invalid depth range [%d, %d]", opts.MinDepth, opts.MaxDepth)
	}

	cat, err := resolveCatalog(cmd)
	if err != nil {
		return opts, err
	}
	opts.Catalog = cat
	return opts, nil
}

// observers holds the optional event consumers attached to a run and
// releases them in Close.
type observers struct {
	handlers  []runtime.EventHandler
	decorator runtime.EventEmitterDecorator
	closers   []func()
}

func (o *observers) add(h runtime.EventHandler) {
	o.handlers = append(o.handlers, h)
}

func (o *observers) onClose(fn func()) {
	o.closers = append(o.closers, fn)
}

func (o *observers) apply(opts *runtime.RunOptions) {
	if len(o.handlers) > 0 {
		opts.EventHandler = runtime.MultiEventHandler(o.handlers...)
	}
	opts.EventEmitterDecorator = o.decorator
}

// Close runs the registered cleanups in reverse order.
func (o *observers) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
}

// attachObservers wires persistence and telemetry according to the flags.
func attachObservers(ctx context.Context, cmd *cobra.Command) (*observers, error) {
	obs := &observers{}

	persist, _ := cmd.Flags().GetBool("persist")
	if persist {
		store, err := openStore(cmd)
		if err != nil {
			return nil, err
		}
		obs.add(bus.NewStoreSubscriber(store, slog.Default()).Handle)
		obs.onClose(func() { _ = store.Close() })
	}

	endpoint, _ := cmd.Flags().GetString("otel-endpoint")
	if endpoint != "" {
		insecure, _ := cmd.Flags().GetBool("otel-insecure")
		tel, err := petalotel.Setup(ctx, petalotel.Config{Endpoint: endpoint, Insecure: insecure})
		if err != nil {
			obs.Close()
			return nil, exitError(exitRuntime, "configuring telemetry: %v", err)
		}
		obs.add(tel.Handler())
		obs.decorator = tel.Decorator()
		obs.onClose(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				slog.Warn("telemetry shutdown", "error", err)
			}
		})
	}
	return obs, nil
}

func runTrial(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := checkFormat(format, "text", "json"); err != nil {
		return err
	}
	opts, err := runFlags(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	obs, err := attachObservers(ctx, cmd)
	if err != nil {
		return err
	}
	defer obs.Close()

	if progress, _ := cmd.Flags().GetBool("progress"); progress {
		eb := bus.NewMemBus(bus.MemBusConfig{})
		sub := eb.SubscribeAll(runtime.EventTrialFinished, runtime.EventTrialFailed, runtime.EventRunFinished)
		printer := &progressPrinter{w: cmd.ErrOrStderr(), total: opts.Trials}
		throttle := bus.NewThrottledEmitter(printer.emit, bus.ThrottleConfig{CoalesceInterval: 250 * time.Millisecond})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for e := range sub.Events() {
				throttle.Emit(e)
			}
		}()
		opts.EventBus = eb
		obs.onClose(func() {
			_ = eb.Close()
			<-done
			throttle.Close()
		})
	}
	obs.apply(&opts)

	sum, runErr := runtime.NewRunner().Run(ctx, opts)
	if sum != nil {
		if err := writeSummary(cmd.OutOrStdout(), format, sum); err != nil {
			return err
		}
	}
	return runError(runErr)
}

func runError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, runtime.ErrRunCanceled):
		return exitError(exitCanceled, "%v", err)
	case errors.Is(err, runtime.ErrTrialFailed):
		return exitError(exitTrialFailed, "%v", err)
	default:
		return exitError(exitRuntime, "run failed: %v", err)
	}
}

func writeSummary(w io.Writer, format string, sum *runtime.RunSummary) error {
	if format == "json" {
		data, err := json.MarshalIndent(sum, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling summary: %v", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintf(w, "Run:      %s\n", sum.RunID)
	fmt.Fprintf(w, "Seed:     %d\n", sum.Seed)
	fmt.Fprintf(w, "Status:   %s\n", sum.Status)
	fmt.Fprintf(w, "Trials:   %d (completed %d, failed %d)\n", sum.Trials, sum.Completed, sum.Failed)
	fmt.Fprintf(w, "Nodes:    %d\n", sum.Nodes)
	fmt.Fprintf(w, "Results:  min %g, max %g, mean %g\n", sum.MinResult, sum.MaxResult, sum.MeanResult)
	if sum.NonFinite > 0 {
		fmt.Fprintf(w, "Non-finite results: %d\n", sum.NonFinite)
	}
	fmt.Fprintf(w, "Elapsed:  %s\n", sum.Elapsed.Round(time.Microsecond))
	if sum.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", sum.LastError)
	}
	return nil
}

// progressPrinter writes one line per coalesced event. emit is called from
// both the throttle's flush goroutine and the forwarding goroutine.
type progressPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	total int
}

func (p *progressPrinter) emit(e runtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Kind {
	case runtime.EventRunFinished:
		fmt.Fprintf(p.w, "run %s %v\n", e.RunID, e.Payload["status"])
	default:
		fmt.Fprintf(p.w, "trial %d/%d\n", e.Trial, p.total)
	}
}
