package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petal-labs/reactor/core"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration

	// Logger receives pruning failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// SQLiteEventStore journals change events to a SQLite database.
// It satisfies the EventStore interface and supports WAL mode
// for concurrent read access and a background pruner goroutine.
type SQLiteEventStore struct {
	db     *sql.DB
	cfg    SQLiteStoreConfig
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores an event in the database.
func (s *SQLiteEventStore) Append(ctx context.Context, event core.Event) error {
	payloadJSON, err := core.EncodePayload(event.Payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, seq, kind, source, time, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Seq,
		string(event.Kind),
		event.Source,
		event.Time.UTC().Format(time.RFC3339Nano),
		string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns events with Seq > afterSeq in sequence order.
func (s *SQLiteEventStore) List(ctx context.Context, afterSeq uint64, limit int) ([]core.Event, error) {
	return s.list(ctx, "", afterSeq, limit)
}

// ListKind returns events of one kind with Seq > afterSeq in sequence order.
func (s *SQLiteEventStore) ListKind(ctx context.Context, kind core.Kind, afterSeq uint64, limit int) ([]core.Event, error) {
	if kind == "" {
		return nil, nil
	}
	return s.list(ctx, kind, afterSeq, limit)
}

func (s *SQLiteEventStore) list(ctx context.Context, kind core.Kind, afterSeq uint64, limit int) ([]core.Event, error) {
	var b strings.Builder
	b.WriteString(`SELECT event_id, seq, kind, source, time, payload FROM events WHERE seq > ?`)
	args := []any{afterSeq}
	if kind != "" {
		b.WriteString(` AND kind = ?`)
		args = append(args, string(kind))
	}
	b.WriteString(` ORDER BY seq ASC`)
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest Seq stored (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is always non-negative
}

// Kinds returns the distinct kinds present in the journal.
func (s *SQLiteEventStore) Kinds(ctx context.Context) ([]core.Kind, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT kind FROM events ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: kinds: %w", err)
	}
	defer rows.Close()

	var kinds []core.Kind
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan kind: %w", err)
		}
		kinds = append(kinds, core.Kind(k))
	}
	return kinds, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass and reports how many events it deleted.
func (s *SQLiteEventStore) Prune(ctx context.Context) (int64, error) {
	var deleted int64
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().UTC().Add(-s.cfg.RetentionAge).Format(time.RFC3339Nano)
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE time < ?`, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
		deleted += rowsAffected(res)
	}

	if s.cfg.RetentionCount > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE seq <= (
				SELECT seq FROM events ORDER BY seq DESC LIMIT 1 OFFSET ?
			)`, s.cfg.RetentionCount,
		)
		if err != nil {
			return deleted, fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
		deleted += rowsAffected(res)
	}

	return deleted, nil
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
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
			n, err := s.Prune(context.Background())
			if err != nil {
				s.logger.Warn("sqlitestore: prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("sqlitestore: pruned journal", "deleted", n)
			}
		}
	}
}

func scanEvents(rows *sql.Rows) ([]core.Event, error) {
	var events []core.Event
	for rows.Next() {
		var (
			e           core.Event
			kind        string
			timeStr     string
			payloadJSON string
		)
		err := rows.Scan(
			&e.ID,
			&e.Seq,
			&kind,
			&e.Source,
			&timeStr,
			&payloadJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}

		e.Kind = core.Kind(kind)

		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		e.Time = t

		e.Payload, err = core.DecodePayload(e.Kind, []byte(payloadJSON))
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: %w", err)
		}

		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
