package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryHistory keeps items in process memory.
type MemoryHistory struct {
	mu    sync.Mutex
	items []Item
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) SaveItem(_ context.Context, item Item) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	return nil
}

func (h *MemoryHistory) ListItems(_ context.Context, identityID string) ([]Item, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Item
	for _, it := range h.items {
		if it.IdentityID == identityID {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SQLiteHistory stores items in an embedded SQLite database.
type SQLiteHistory struct {
	db *sql.DB
}

func OpenSQLiteHistory(path string) (*SQLiteHistory, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS content_items (
			id          TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			kind        TEXT NOT NULL,
			prompt      TEXT NOT NULL,
			output      TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_content_items_identity ON content_items(identity_id, created_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init history schema: %w", err)
		}
	}
	return &SQLiteHistory{db: db}, nil
}

func (h *SQLiteHistory) SaveItem(ctx context.Context, item Item) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO content_items (id, identity_id, kind, prompt, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.IdentityID, string(item.Kind), item.Prompt, item.Output, item.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save content item: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) ListItems(ctx context.Context, identityID string) ([]Item, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, identity_id, kind, prompt, output, created_at
		FROM content_items
		WHERE identity_id = ?
		ORDER BY created_at DESC, id DESC`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list content items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it      Item
			kind    string
			created int64
		)
		if err := rows.Scan(&it.ID, &it.IdentityID, &kind, &it.Prompt, &it.Output, &created); err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		it.Kind = Kind(kind)
		it.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}

func (h *SQLiteHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}
