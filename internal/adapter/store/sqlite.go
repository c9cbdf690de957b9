package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"carely/internal/domain"
	"carely/internal/usecase/scheduling"
)

// SQLiteStore implements domain.TranscriptStore and domain.HistoryStore
// on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			label        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS turns (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             INTEGER NOT NULL,
			role            TEXT NOT NULL,
			parts           TEXT NOT NULL,
			attachments     TEXT NOT NULL DEFAULT '[]',
			hidden          INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			UNIQUE (conversation_id, seq)
		);
		CREATE TABLE IF NOT EXISTS tool_calls (
			tool_call_id    TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			turn_id         TEXT NOT NULL REFERENCES turns(id),
			tool_name       TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tool_resolutions (
			tool_call_id    TEXT PRIMARY KEY REFERENCES tool_calls(tool_call_id),
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			output          TEXT NOT NULL,
			is_error        INTEGER NOT NULL DEFAULT 0,
			resolved_at     TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS email_jobs (
			id         TEXT PRIMARY KEY,
			recipient  TEXT NOT NULL,
			subject    TEXT NOT NULL,
			body       TEXT NOT NULL,
			send_at    TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS history_facts (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			principal_id TEXT NOT NULL,
			fact         TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq);
		CREATE INDEX IF NOT EXISTS idx_history_principal ON history_facts(principal_id, id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, principalID string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:          ulid.Make().String(),
		PrincipalID: principalID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, principal_id, label, created_at, updated_at) VALUES (?, ?, '', ?, ?)",
		conv.ID, principalID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID, principalID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, principal_id, label, created_at, updated_at FROM conversations WHERE id = ?",
		conversationID,
	)
	var conv domain.Conversation
	var createdStr, updatedStr string
	if err := row.Scan(&conv.ID, &conv.PrincipalID, &conv.Label, &createdStr, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrConversationNotFound
		}
		return nil, err
	}
	if conv.PrincipalID != principalID {
		return nil, domain.ErrForbidden
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &conv, nil
}

// Append persists a batch of turns in one transaction. Turns whose IDs are
// already present are skipped, so replaying a batch is a no-op.
func (s *SQLiteStore) Append(ctx context.Context, conversationID, principalID string, turns []domain.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if err := checkOwnership(ctx, tx, conversationID, principalID); err != nil {
		return err
	}

	var seq int64
	row := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM turns WHERE conversation_id = ?", conversationID,
	)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("read turn sequence: %w", err)
	}

	for _, turn := range turns {
		partsJSON, err := json.Marshal(turn.Parts)
		if err != nil {
			return fmt.Errorf("marshal turn parts: %w", err)
		}
		attachJSON, err := json.Marshal(turn.Attachments)
		if err != nil {
			return fmt.Errorf("marshal turn attachments: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO turns (id, conversation_id, seq, role, parts, attachments, hidden, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.ID, conversationID, seq+1, turn.Role, string(partsJSON), string(attachJSON),
			boolToInt(turn.Hidden), turn.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert turn %s: %w", turn.ID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Already appended in a previous attempt.
			continue
		}
		seq++

		for _, call := range turn.ToolCalls() {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO tool_calls (tool_call_id, conversation_id, turn_id, tool_name) VALUES (?, ?, ?, ?)",
				call.ToolCallID, conversationID, turn.ID, call.ToolName,
			); err != nil {
				return fmt.Errorf("insert tool call %s: %w", call.ToolCallID, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), conversationID,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Read(ctx context.Context, conversationID, principalID string) ([]domain.Turn, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	if err := checkOwnership(ctx, tx, conversationID, principalID); err != nil {
		return nil, err
	}

	resolutions, err := readResolutions(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT id, role, parts, attachments, hidden, created_at FROM turns WHERE conversation_id = ? ORDER BY seq",
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var turn domain.Turn
		var partsStr, attachStr, createdStr string
		var hidden int
		if err := rows.Scan(&turn.ID, &turn.Role, &partsStr, &attachStr, &hidden, &createdStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(partsStr), &turn.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal turn parts: %w", err)
		}
		if err := json.Unmarshal([]byte(attachStr), &turn.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal turn attachments: %w", err)
		}
		turn.Hidden = hidden != 0
		turn.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)

		for _, call := range turn.ToolCalls() {
			if res, ok := resolutions[call.ToolCallID]; ok {
				call.State = domain.ToolCallResolved
				call.Output = res.output
				call.IsError = res.isError
			}
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) ResolveToolCall(ctx context.Context, conversationID, principalID, toolCallID string, output json.RawMessage, isError bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolve: %w", err)
	}
	defer tx.Rollback()

	if err := checkOwnership(ctx, tx, conversationID, principalID); err != nil {
		return err
	}

	var found string
	row := tx.QueryRowContext(ctx,
		"SELECT tool_call_id FROM tool_calls WHERE tool_call_id = ? AND conversation_id = ?",
		toolCallID, conversationID,
	)
	if err := row.Scan(&found); err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrUnknownToolCall
		}
		return err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO tool_resolutions (tool_call_id, conversation_id, output, is_error, resolved_at) VALUES (?, ?, ?, ?, ?)",
		toolCallID, conversationID, string(output), boolToInt(isError),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// The first resolution wins; later attempts must not overwrite it.
		return domain.ErrDuplicateResolution
	}

	return tx.Commit()
}

func (s *SQLiteStore) SetLabel(ctx context.Context, conversationID, label string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET label = ?, updated_at = ? WHERE id = ?",
		label, time.Now().UTC().Format(time.RFC3339Nano), conversationID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) AddFacts(ctx context.Context, principalID string, facts []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add facts: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, fact := range facts {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO history_facts (principal_id, fact, created_at) VALUES (?, ?, ?)",
			principalID, fact, now,
		); err != nil {
			return fmt.Errorf("insert fact: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Facts(ctx context.Context, principalID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT fact FROM history_facts WHERE principal_id = ? ORDER BY id", principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []string
	for rows.Next() {
		var fact string
		if err := rows.Scan(&fact); err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func (s *SQLiteStore) SaveEmailJob(ctx context.Context, job scheduling.EmailJob) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO email_jobs (id, recipient, subject, body, send_at) VALUES (?, ?, ?, ?, ?)",
		job.ID, job.To, job.Subject, job.Body, job.SendAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) DeleteEmailJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM email_jobs WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) PendingEmailJobs(ctx context.Context) ([]scheduling.EmailJob, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, recipient, subject, body, send_at FROM email_jobs ORDER BY send_at",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []scheduling.EmailJob
	for rows.Next() {
		var job scheduling.EmailJob
		var sendAtStr string
		if err := rows.Scan(&job.ID, &job.To, &job.Subject, &job.Body, &sendAtStr); err != nil {
			return nil, err
		}
		job.SendAt, _ = time.Parse(time.RFC3339Nano, sendAtStr)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type resolution struct {
	output  json.RawMessage
	isError bool
}

func readResolutions(ctx context.Context, tx *sql.Tx, conversationID string) (map[string]resolution, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT tool_call_id, output, is_error FROM tool_resolutions WHERE conversation_id = ?",
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]resolution)
	for rows.Next() {
		var id, output string
		var isError int
		if err := rows.Scan(&id, &output, &isError); err != nil {
			return nil, err
		}
		out[id] = resolution{output: json.RawMessage(output), isError: isError != 0}
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func checkOwnership(ctx context.Context, q queryer, conversationID, principalID string) error {
	var owner string
	row := q.QueryRowContext(ctx, "SELECT principal_id FROM conversations WHERE id = ?", conversationID)
	if err := row.Scan(&owner); err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrConversationNotFound
		}
		return err
	}
	if owner != principalID {
		return domain.ErrForbidden
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
