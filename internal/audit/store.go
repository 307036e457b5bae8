// Package audit keeps a durable log of MCP tool calls and the last
// known state of every server. Records are append-only; server status
// is one upserted row per server.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/mcplink/internal/events"
)

// tsFormat is fixed-width so timestamps sort as text.
const tsFormat = "2006-01-02T15:04:05.000000000Z"

// Outcomes.
const (
	OutcomeStarted = "started"
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Record is one tool call event.
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Outcome   string         `json:"outcome"`
	Detail    string         `json:"detail,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

// ToolSummary aggregates calls to one tool on one server.
type ToolSummary struct {
	Server   string    `json:"server"`
	Tool     string    `json:"tool"`
	Calls    int       `json:"calls"`
	Errors   int       `json:"errors"`
	LastCall time.Time `json:"last_call"`
}

// ServerState is the last recorded state of a server.
type ServerState struct {
	Server    string    `json:"server"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a SQLite-backed audit log. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return db, nil
}

// NewStore creates an audit store over db, running migrations on
// first use.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id        TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		server    TEXT NOT NULL,
		tool      TEXT NOT NULL,
		outcome   TEXT NOT NULL,
		detail    TEXT,
		args      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_server ON tool_calls(server, tool);

	CREATE TABLE IF NOT EXISTS server_status (
		server     TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		detail     TEXT,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a tool call record. If rec.ID is empty, a UUIDv7 is
// generated; a zero Timestamp becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	var args sql.NullString
	if len(rec.Args) > 0 {
		b, err := json.Marshal(rec.Args)
		if err != nil {
			return fmt.Errorf("encode arguments for %s: %w", rec.Tool, err)
		}
		args = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, timestamp, server, tool, outcome, detail, args)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsFormat),
		rec.Server,
		rec.Tool,
		rec.Outcome,
		rec.Detail,
		args,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, server, tool, outcome, COALESCE(detail, ''), COALESCE(args, '')
		 FROM tool_calls
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			ts, args string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Server, &rec.Tool, &rec.Outcome, &rec.Detail, &args); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(tsFormat, ts)
		if args != "" {
			if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
				s.logger.Warn("bad arguments in audit record", "id", rec.ID, "error", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary aggregates completed calls since the given time per server
// and tool, busiest first.
func (s *Store) Summary(ctx context.Context, since time.Time) ([]ToolSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, tool,
		        COUNT(*),
		        SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
		        MAX(timestamp)
		 FROM tool_calls
		 WHERE timestamp >= ? AND outcome != ?
		 GROUP BY server, tool
		 ORDER BY COUNT(*) DESC, server, tool`,
		OutcomeError,
		since.UTC().Format(tsFormat),
		OutcomeStarted,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit summary: %w", err)
	}
	defer rows.Close()

	var out []ToolSummary
	for rows.Next() {
		var (
			sum  ToolSummary
			last string
		)
		if err := rows.Scan(&sum.Server, &sum.Tool, &sum.Calls, &sum.Errors, &last); err != nil {
			return nil, fmt.Errorf("scan audit summary: %w", err)
		}
		sum.LastCall, _ = time.Parse(tsFormat, last)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SetServerStatus upserts the state of a server.
func (s *Store) SetServerStatus(ctx context.Context, server, state, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_status (server, state, detail, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (server) DO UPDATE
		 SET state = excluded.state, detail = excluded.detail, updated_at = excluded.updated_at`,
		server, state, detail, time.Now().UTC().Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("set status of %s: %w", server, err)
	}
	return nil
}

// ServerStatuses returns the recorded state of every server keyed by
// name. The map is empty, not nil, when nothing is recorded.
func (s *Store) ServerStatuses(ctx context.Context) (map[string]ServerState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, state, COALESCE(detail, ''), updated_at FROM server_status ORDER BY server`,
	)
	if err != nil {
		return nil, fmt.Errorf("query server status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ServerState)
	for rows.Next() {
		var (
			st ServerState
			ts string
		)
		if err := rows.Scan(&st.Server, &st.State, &st.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan server status: %w", err)
		}
		st.UpdatedAt, _ = time.Parse(tsFormat, ts)
		out[st.Server] = st
	}
	return out, rows.Err()
}

// Consume records events from ch until it closes or ctx ends. Write
// failures are logged and do not stop consumption.
func (s *Store) Consume(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.apply(ctx, e); err != nil {
				s.logger.Warn("failed to record MCP event", "kind", e.Kind, "mcp_server", e.Server(), "error", err)
			}
		}
	}
}

// apply stores one event. Kinds with nothing to audit are ignored.
func (s *Store) apply(ctx context.Context, e events.Event) error {
	server := e.Server()
	str := func(key string) string {
		v, _ := e.Data[key].(string)
		return v
	}

	switch e.Kind {
	case events.KindToolCallStart:
		args, _ := e.Data["args"].(map[string]any)
		return s.Record(ctx, Record{Timestamp: e.Timestamp, Server: server, Tool: str("tool"), Outcome: OutcomeStarted, Args: args})
	case events.KindToolCallSuccess:
		return s.Record(ctx, Record{Timestamp: e.Timestamp, Server: server, Tool: str("tool"), Outcome: OutcomeSuccess, Detail: str("result")})
	case events.KindToolCallError:
		return s.Record(ctx, Record{Timestamp: e.Timestamp, Server: server, Tool: str("tool"), Outcome: OutcomeError, Detail: str("error")})
	case events.KindServerConnected:
		return s.SetServerStatus(ctx, server, "connected", str("server_version"))
	case events.KindServerDisconnected:
		return s.SetServerStatus(ctx, server, "disconnected", str("reason"))
	case events.KindServerUnhealthy:
		return s.SetServerStatus(ctx, server, "unhealthy", str("error"))
	}
	return nil
}
