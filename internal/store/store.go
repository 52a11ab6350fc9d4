// Package store persists finished conversations, extracted facts and tasks,
// and the index of synced recordings in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-pendant/internal/apperr"
	"github.com/loqalabs/loqa-pendant/internal/config"
	"github.com/loqalabs/loqa-pendant/internal/conversation"
	"github.com/loqalabs/loqa-pendant/internal/stt"
	_ "modernc.org/sqlite"
)

var (
	ErrConversationNotFound = apperr.New(apperr.KindLogical, "conversation not found")
	ErrTaskNotFound         = apperr.New(apperr.KindLogical, "task not found")
)

// Fact is a statement extracted from a conversation.
type Fact struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Task is an action item extracted from a conversation.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	Done           bool      `json:"done"`
	CreatedAt      time.Time `json:"created_at"`
}

// Record is a stored conversation with its extractions.
type Record struct {
	conversation.Conversation
	Facts []Fact `json:"facts"`
	Tasks []Task `json:"tasks"`
}

// Store wraps the SQLite database.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the database file if needed, migrates the schema and applies
// retention.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "store")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("store vacuum failed", slogError(err))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("store prune on start failed", slogError(err))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    finalized_at INTEGER NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS segments (
    conversation_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    speaker INTEGER NOT NULL,
    text TEXT NOT NULL,
    start_sec REAL NOT NULL,
    end_sec REAL NOT NULL,
    PRIMARY KEY(conversation_id, seq),
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS facts (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    text TEXT NOT NULL,
    done INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS recordings (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    codec TEXT NOT NULL,
    frames INTEGER NOT NULL,
    duration_sec REAL NOT NULL,
    created_at INTEGER NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_done ON tasks(done, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthy pings the database.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// SaveConversation stores a conversation with its segments, facts and tasks.
// Saving the same id again replaces the previous copy.
func (s *Store) SaveConversation(ctx context.Context, c conversation.Conversation, facts, tasks []string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, c.ID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO conversations(id, created_at, finalized_at, title, summary) VALUES(?, ?, ?, ?, ?)`,
		c.ID, millis(c.CreatedAt), millis(c.FinalizedAt), c.Title, c.Summary); err != nil {
		return err
	}
	for i, seg := range c.Segments {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO segments(conversation_id, seq, speaker, text, start_sec, end_sec) VALUES(?, ?, ?, ?, ?, ?)`,
			c.ID, i, seg.Speaker, seg.Text, seg.Start, seg.End); err != nil {
			return err
		}
	}
	now := millis(s.clock())
	for _, f := range facts {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO facts(id, conversation_id, text, created_at) VALUES(?, ?, ?, ?)`,
			uuid.NewString(), c.ID, f, now); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO tasks(id, conversation_id, text, done, created_at) VALUES(?, ?, ?, 0, ?)`,
			uuid.NewString(), c.ID, t, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListConversations returns up to limit conversations, newest first, without
// their facts and tasks.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]conversation.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, finalized_at, title, summary FROM conversations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var convs []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range convs {
		segs, err := s.segments(ctx, convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].Segments = segs
	}
	return convs, nil
}

// GetConversation loads one conversation with its facts and tasks.
func (s *Store) GetConversation(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, finalized_at, title, summary FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrConversationNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec := Record{Conversation: c}
	if rec.Segments, err = s.segments(ctx, id); err != nil {
		return Record{}, err
	}
	if rec.Facts, err = s.listFacts(ctx, `WHERE conversation_id = ?`, id); err != nil {
		return Record{}, err
	}
	if rec.Tasks, err = s.listTasks(ctx, `WHERE conversation_id = ?`, id); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// DeleteConversation removes a conversation and everything extracted from it.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// ListTasks returns tasks newest first. When open is true completed tasks are
// left out.
func (s *Store) ListTasks(ctx context.Context, open bool) ([]Task, error) {
	if open {
		return s.listTasks(ctx, `WHERE done = 0`)
	}
	return s.listTasks(ctx, ``)
}

// CompleteTask marks a task done.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET done = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListFacts returns every stored fact, newest first.
func (s *Store) ListFacts(ctx context.Context) ([]Fact, error) {
	return s.listFacts(ctx, ``)
}

// Prune applies retention by age and by conversation count.
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE created_at < ?`, millis(cutoff)); err != nil {
			return err
		}
	}
	if s.cfg.MaxConversations > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE id IN (
			SELECT id FROM conversations ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxConversations); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) segments(ctx context.Context, id string) ([]stt.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker, text, start_sec, end_sec FROM segments WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var segs []stt.Segment
	for rows.Next() {
		var seg stt.Segment
		if err := rows.Scan(&seg.Speaker, &seg.Text, &seg.Start, &seg.End); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

func (s *Store) listFacts(ctx context.Context, where string, args ...any) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, text, created_at FROM facts `+where+` ORDER BY created_at DESC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var facts []Fact
	for rows.Next() {
		var f Fact
		var created int64
		if err := rows.Scan(&f.ID, &f.ConversationID, &f.Text, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = timeFromMillis(created)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func (s *Store) listTasks(ctx context.Context, where string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, text, done, created_at FROM tasks `+where+` ORDER BY created_at DESC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		var t Task
		var created int64
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Text, &t.Done, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = timeFromMillis(created)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (conversation.Conversation, error) {
	var c conversation.Conversation
	var created, finalized int64
	if err := row.Scan(&c.ID, &created, &finalized, &c.Title, &c.Summary); err != nil {
		return conversation.Conversation{}, err
	}
	c.CreatedAt = timeFromMillis(created)
	c.FinalizedAt = timeFromMillis(finalized)
	return c, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
