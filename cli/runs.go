package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewRunsCmd creates the "runs" command group for the persisted run store.
func NewRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs recorded with --persist",
	}
	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsShowCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE:  runRunsList,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	addStoreFlag(cmd)
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the events of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Uint64("after", 0, "Only events with a sequence number above this")
	cmd.Flags().Int("limit", 0, "Maximum number of events (0 = all)")
	addStoreFlag(cmd)
	return cmd
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := checkFormat(format, "text", "json"); err != nil {
		return err
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "listing runs: %v", err)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling runs: %v", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "RUN\tSTARTED\tSTATUS\tCOMPLETED\tFAILED\tEVENTS")
	for _, r := range runs {
		started := "-"
		if !r.Started.IsZero() {
			started = r.Started.UTC().Format(time.RFC3339)
		}
		status := r.Status
		if status == "" {
			status = "running"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\n", r.RunID, started, status, r.Completed, r.Failed, r.Events)
	}
	return writer.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	runID := args[0]
	format, _ := cmd.Flags().GetString("format")
	after, _ := cmd.Flags().GetUint64("after")
	limit, _ := cmd.Flags().GetInt("limit")
	if err := checkFormat(format, "text", "json"); err != nil {
		return err
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.List(cmd.Context(), runID, after, limit)
	if err != nil {
		return exitError(exitRuntime, "listing events: %v", err)
	}
	if len(events) == 0 && after == 0 {
		return exitError(exitFileNotFound, "run %s not found", runID)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling events: %v", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "SEQ\tKIND\tTRIAL\tELAPSED\tPAYLOAD")
	for _, e := range events {
		trial := "-"
		if e.Trial > 0 {
			trial = fmt.Sprint(e.Trial)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.Kind, trial, e.Elapsed, formatPayload(e.Payload))
	}
	return writer.Flush()
}

// formatPayload renders a payload as sorted key=value pairs.
func formatPayload(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}
