package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/petalgp/runtime"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const eventColumns = `run_id, seq, kind, trial, time, elapsed, payload, trace_id, span_id`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is a file path or a modernc.org/sqlite connection string.
	DSN string

	// RetentionAge drops events recorded longer ago than this. Zero keeps
	// them.
	RetentionAge time.Duration

	// RetentionCount keeps the newest RetentionCount events of each run.
	// Zero keeps them all.
	RetentionCount int

	// PruneInterval spaces background pruning passes (default: 1h). No
	// pruner runs when both retention limits are zero.
	PruneInterval time.Duration
}

// SQLiteEventStore is an EventStore backed by one SQLite database. All
// access goes through a single connection, so concurrent appends are
// serialized rather than failing with SQLITE_BUSY.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens the database at cfg.DSN and creates the schema
// if needed.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", cfg.DSN, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{db: db, cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append inserts event. A second event with the same run id and seq is
// rejected.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: run %s seq %d: encode payload: %w", event.RunID, event.Seq, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, string(event.Kind), event.Trial,
		event.Time.UnixNano(), int64(event.Elapsed), string(raw),
		event.TraceID, event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: run %s seq %d: %w", event.RunID, event.Seq, err)
	}
	return nil
}

// List returns the run's events with seq above afterSeq in seq order, at
// most limit of them when limit is positive.
func (s *SQLiteEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list %s: %w", runID, err)
	}
	defer rows.Close()

	var events []runtime.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSeq returns the run's highest seq, or 0 for an unknown run.
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq %s: %w", runID, err)
	}
	return uint64(max(seq, 0)), nil // #nosec G115 -- clamped above
}

// Runs returns a record per stored run in order of first append. The event
// count comes from an aggregate; the other fields come from the run's
// lifecycle events, which are the only rows read.
func (s *SQLiteEventStore) Runs(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.n, e.kind, e.time, e.payload
		  FROM (SELECT run_id, COUNT(*) AS n, MIN(id) AS first FROM events GROUP BY run_id) r
		  LEFT JOIN events e ON e.run_id = r.run_id AND e.kind IN (?, ?)
		 ORDER BY r.first, e.id`,
		string(runtime.EventRunStarted), string(runtime.EventRunFinished))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var (
			runID   string
			count   int
			kind    sql.NullString
			nanos   sql.NullInt64
			payload sql.NullString
		)
		if err := rows.Scan(&runID, &count, &kind, &nanos, &payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: runs: %w", err)
		}
		if n := len(records); n == 0 || records[n-1].RunID != runID {
			records = append(records, RunRecord{RunID: runID})
		}
		rec := &records[len(records)-1]
		if kind.Valid {
			e := runtime.Event{Kind: runtime.EventKind(kind.String), Time: time.Unix(0, nanos.Int64).UTC()}
			if err := decodePayload(payload.String, &e); err != nil {
				return nil, err
			}
			rec.apply(e)
		}
		rec.Events = count
	}
	return records, rows.Err()
}

// Prune applies the retention limits once.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UnixNano()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE time < ?`, cutoff); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}
	if s.cfg.RetentionCount > 0 {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM events WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (PARTITION BY run_id ORDER BY seq DESC) AS pos
					  FROM events
				) WHERE pos > ?
			)`, s.cfg.RetentionCount)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
	}
	return nil
}

// Close stops the pruner and closes the database. It may be called more
// than once.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvent(rows *sql.Rows) (runtime.Event, error) {
	var (
		e       runtime.Event
		kind    string
		nanos   int64
		elapsed int64
		payload string
	)
	if err := rows.Scan(&e.RunID, &e.Seq, &kind, &e.Trial, &nanos, &elapsed, &payload, &e.TraceID, &e.SpanID); err != nil {
		return runtime.Event{}, fmt.Errorf("sqlitestore: scan event: %w", err)
	}
	e.Kind = runtime.EventKind(kind)
	e.Time = time.Unix(0, nanos).UTC()
	e.Elapsed = time.Duration(elapsed)
	if err := decodePayload(payload, &e); err != nil {
		return runtime.Event{}, err
	}
	return e, nil
}

// decodePayload sets e.Payload to a non-nil map.
func decodePayload(raw string, e *runtime.Event) error {
	e.Payload = map[string]any{}
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
		return fmt.Errorf("sqlitestore: run %s seq %d: decode payload: %w", e.RunID, e.Seq, err)
	}
	return nil
}

var _ EventStore = (*SQLiteEventStore)(nil)
