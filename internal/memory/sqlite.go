package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"memini/internal/chat"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const workspaceVar = "shared_workspace"

// SQLiteStore 基于 SQLite (WAL 模式) 的记忆存储
// SQLiteStore implements Store on SQLite in WAL mode.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu        sync.RWMutex
	workspace string
	hooks     []VariableHook
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	ws, _, err := store.GetVariable(context.Background(), workspaceVar)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	store.workspace = ws
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS variables (
		name       TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		source     TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS traces (
		id         TEXT PRIMARY KEY,
		workspace  TEXT NOT NULL DEFAULT '',
		agent_id   TEXT NOT NULL DEFAULT '',
		input      TEXT NOT NULL,
		outcome    TEXT NOT NULL DEFAULT '',
		action     TEXT NOT NULL DEFAULT '',
		embedding  BLOB,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS thread_messages (
		workspace    TEXT NOT NULL,
		thread_id    TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_calls   TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY(workspace, thread_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_traces_workspace ON traces(workspace, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库连接 / Close the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OnVariableChange 注册变量写入回调
// OnVariableChange registers a hook called after every successful SetVariable.
func (s *SQLiteStore) OnVariableChange(hook VariableHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

// --- Variables ---

func (s *SQLiteStore) GetVariable(ctx context.Context, name string) (string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, ErrEmptyName
	}
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM variables WHERE name=?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get variable %q: %w", name, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetVariable(ctx context.Context, name, value, source string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variables (name, value, source, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value=excluded.value, source=excluded.source, updated_at=excluded.updated_at`,
		name, value, source, nowUTC())
	if err != nil {
		return fmt.Errorf("set variable %q: %w", name, err)
	}
	s.mu.RLock()
	hooks := append([]VariableHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(name, value, source)
	}
	return nil
}

func (s *SQLiteStore) DeleteVariable(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM variables WHERE name=?", name); err != nil {
		return fmt.Errorf("delete variable %q: %w", name, err)
	}
	return nil
}

// --- Traces ---

func (s *SQLiteStore) CommitTrace(ctx context.Context, trace Trace) error {
	if strings.TrimSpace(trace.Input) == "" {
		return fmt.Errorf("commit trace: input is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traces (id, workspace, agent_id, input, outcome, action, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), s.Workspace(), trace.AgentID, trace.Input, trace.Outcome, trace.Action,
		encodeVector(trace.Embedding), nowUTC())
	if err != nil {
		return fmt.Errorf("commit trace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Reminisce(ctx context.Context, embedding []float32, limit int, query string) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace, agent_id, input, outcome, action, embedding, created_at
		FROM traces WHERE workspace=? ORDER BY created_at DESC LIMIT 2000`, s.Workspace())
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	words := keywords(query)
	var scored []Entry
	for rows.Next() {
		entry, vec, err := scanTrace(rows)
		if err != nil {
			continue
		}
		switch {
		case len(embedding) > 0 && len(vec) == len(embedding):
			entry.Score = cosine(embedding, vec)
		case len(words) > 0:
			entry.Score = keywordScore(words, entry.Input+" "+entry.Outcome)
		default:
			// 无查询时按时间倒序 / no query: most recent first
			entry.Score = 0
		}
		if (len(embedding) > 0 || len(words) > 0) && entry.Score <= 0 {
			continue
		}
		scored = append(scored, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan traces: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *SQLiteStore) RecentTraces(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace, agent_id, input, outcome, action, embedding, created_at
		FROM traces WHERE workspace=? AND created_at>=? ORDER BY created_at DESC LIMIT ?`,
		s.Workspace(), since.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent traces: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, _, err := scanTrace(rows)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanTrace(rows *sql.Rows) (Entry, []float32, error) {
	var (
		entry     Entry
		blob      []byte
		createdAt string
	)
	if err := rows.Scan(&entry.ID, &entry.Workspace, &entry.AgentID, &entry.Input,
		&entry.Outcome, &entry.Action, &blob, &createdAt); err != nil {
		return Entry{}, nil, err
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return entry, decodeVector(blob), nil
}

// --- Threads ---

func (s *SQLiteStore) SaveThread(ctx context.Context, threadID string, messages []chat.Message) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return ErrEmptyName
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ws := s.Workspace()
	if _, err := tx.ExecContext(ctx, "DELETE FROM thread_messages WHERE workspace=? AND thread_id=?", ws, threadID); err != nil {
		return fmt.Errorf("delete old messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO thread_messages (workspace, thread_id, seq, role, content, name, tool_call_id, tool_calls)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range messages {
		toolCallsJSON := "[]"
		if len(msg.ToolCalls) > 0 {
			if data, marshalErr := json.Marshal(msg.ToolCalls); marshalErr == nil {
				toolCallsJSON = string(data)
			}
		}
		if _, err := stmt.ExecContext(ctx, ws, threadID, i, msg.Role, msg.Content, msg.Name,
			msg.ToolCallID, toolCallsJSON); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadThread(ctx context.Context, threadID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, name, tool_call_id, tool_calls
		FROM thread_messages WHERE workspace=? AND thread_id=? ORDER BY seq`, s.Workspace(), threadID)
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var msg chat.Message
		var toolCallsJSON string
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Name, &msg.ToolCallID, &toolCallsJSON); err != nil {
			continue
		}
		if toolCallsJSON != "" && toolCallsJSON != "[]" {
			var calls []chat.ToolCall
			if err := json.Unmarshal([]byte(toolCallsJSON), &calls); err == nil {
				msg.ToolCalls = calls
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) ClearThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM thread_messages WHERE workspace=? AND thread_id=?", s.Workspace(), threadID); err != nil {
		return fmt.Errorf("clear thread: %w", err)
	}
	return nil
}

// --- Shared workspaces ---

// JoinWorkspace 切换到共享记忆空间；之后的 trace 与 thread 都落在该空间
// JoinWorkspace switches to a shared memory namespace for traces and threads.
func (s *SQLiteStore) JoinWorkspace(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if err := s.SetVariable(ctx, workspaceVar, name, "share"); err != nil {
		return err
	}
	s.mu.Lock()
	s.workspace = name
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) LeaveWorkspace(ctx context.Context) error {
	if err := s.DeleteVariable(ctx, workspaceVar); err != nil {
		return err
	}
	s.mu.Lock()
	s.workspace = ""
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) Workspace() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workspace
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
