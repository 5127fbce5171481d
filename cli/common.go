// Package cli implements the petalgp command-line interface.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalgp/bus"
	"github.com/petal-labs/petalgp/catalog"
	"github.com/petal-labs/petalgp/loader"
)

const storePathEnv = "PETALGP_SQLITE_PATH"

// ConfigureLogging installs the process-wide slog handler. --verbose enables
// debug records (including trace operators); --quiet keeps only errors.
func ConfigureLogging(w io.Writer, verbose, quiet bool) {
	level := slog.LevelWarn
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// addCatalogFlag registers --catalog on cmd.
func addCatalogFlag(cmd *cobra.Command) {
	cmd.Flags().String("catalog", "", "Catalog file (default: ./petalgp.yaml, then ~/.petalgp/catalog.yaml, then built-ins)")
}

// resolveCatalog loads the catalog selected by --catalog, mapping loader
// failures to exit codes.
func resolveCatalog(cmd *cobra.Command) (*catalog.Catalog, error) {
	explicit, _ := cmd.Flags().GetString("catalog")
	c, path, err := loader.Resolve(explicit, slog.Default())
	if err != nil {
		return nil, catalogLoadError(cmd.ErrOrStderr(), path, err)
	}
	if path != "" {
		slog.Debug("catalog loaded", "path", path, "terminals", c.NumTerminals(), "functions", c.NumFunctions())
	}
	return c, nil
}

func catalogLoadError(w io.Writer, path string, err error) error {
	var diagErr *loader.DiagnosticError
	if errors.As(err, &diagErr) {
		printDiagnostics(w, path, diagErr.Diagnostics)
		return exitError(exitValidation, "catalog validation failed")
	}
	if errors.Is(err, os.ErrNotExist) {
		return exitError(exitFileNotFound, "%v", err)
	}
	return exitError(exitValidation, "%v", err)
}

func printDiagnostics(w io.Writer, path string, diags []loader.Diagnostic) {
	for _, d := range diags {
		if path != "" {
			fmt.Fprintf(w, "%s: ", path)
		}
		fmt.Fprintf(w, "%s: %s\n", d.Path, d.Message)
	}
}

// addStoreFlag registers --store-path on cmd.
func addStoreFlag(cmd *cobra.Command) {
	cmd.Flags().String("store-path", "", "Path to SQLite run store (default: $"+storePathEnv+" or ~/.petalgp/runs.db)")
}

// resolveStoreDSN picks the run store location: --store-path, then the
// environment, then ~/.petalgp/runs.db.
func resolveStoreDSN(cmd *cobra.Command) (string, error) {
	storePath, _ := cmd.Flags().GetString("store-path")
	dsn := strings.TrimSpace(storePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv(storePathEnv))
	}
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving user home: %w", err)
		}
		dir := filepath.Join(home, ".petalgp")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("creating %s: %w", dir, err)
		}
		return filepath.Join(dir, "runs.db"), nil
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return dsn, nil
}

// addRetentionFlags registers the run store pruning flags used by the
// long-running commands.
func addRetentionFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("retention-age", 0, "Prune stored events older than this (0 = keep)")
	cmd.Flags().Int("retention-count", 0, "Keep at most this many events per run (0 = keep all)")
}

func openStore(cmd *cobra.Command) (*bus.SQLiteEventStore, error) {
	dsn, err := resolveStoreDSN(cmd)
	if err != nil {
		return nil, exitError(exitRuntime, "resolving run store: %v", err)
	}
	cfg := bus.SQLiteStoreConfig{DSN: dsn}
	if cmd.Flags().Lookup("retention-age") != nil {
		cfg.RetentionAge, _ = cmd.Flags().GetDuration("retention-age")
		cfg.RetentionCount, _ = cmd.Flags().GetInt("retention-count")
	}
	store, err := bus.NewSQLiteEventStore(cfg)
	if err != nil {
		return nil, exitError(exitRuntime, "opening run store: %v", err)
	}
	return store, nil
}

func checkFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return exitError(exitInputParse, "unknown format %q (use %s)", format, strings.Join(allowed, ", "))
}
