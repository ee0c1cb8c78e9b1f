// Package store – memory.go implements the three-tier long-term memory
// (L0 one-liner, L1 short, L2 full) with FTS5 full-text search. The FTS
// index is an external-content table kept consistent by triggers; builds
// without FTS5 fall back to LIKE queries.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Memory categories. Unknown categories are normalized to CategoryProject.
const (
	CategorySystem      = "System"
	CategoryEnvironment = "Environment"
	CategorySkill       = "Skill"
	CategoryProject     = "Project"
	CategoryComm        = "Comm"
	CategorySecurity    = "Security"
)

var memoryCategories = map[string]bool{
	CategorySystem:      true,
	CategoryEnvironment: true,
	CategorySkill:       true,
	CategoryProject:     true,
	CategoryComm:        true,
	CategorySecurity:    true,
}

// ErrMemoryNotFound is returned when a memory key does not exist.
var ErrMemoryNotFound = errors.New("memory entry not found")

// MemoryEntry is one long-term memory row. L0 is required; L1 and L2 add
// detail at increasing cost.
type MemoryEntry struct {
	Key         string
	Category    string
	L0          string
	L1          string
	L2          string
	Confidence  float64
	AccessCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NormalizeCategory maps unknown categories to Project.
func NormalizeCategory(category string) string {
	if memoryCategories[category] {
		return category
	}
	return CategoryProject
}

// SaveMemory upserts a memory entry by key. The category is validated
// (unknown categories become Project) and L0 must be non-empty.
func (s *Store) SaveMemory(e MemoryEntry) error {
	if e.Key == "" {
		return fmt.Errorf("save memory: key is required")
	}
	if e.L0 == "" {
		return fmt.Errorf("save memory: L0 is required")
	}
	e.Category = NormalizeCategory(e.Category)
	if e.Confidence <= 0 {
		e.Confidence = 0.8
	}
	if e.Confidence > 1 {
		e.Confidence = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO memory (key, category, l0, l1, l2, confidence, access_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			category   = excluded.category,
			l0         = excluded.l0,
			l1         = excluded.l1,
			l2         = excluded.l2,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		e.Key, e.Category, e.L0, e.L1, e.L2, e.Confidence, now, now,
	)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// GetMemory returns the entry for key and increments its access count.
func (s *Store) GetMemory(key string) (*MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT key, category, l0, l1, l2, confidence, access_count, created_at, updated_at
		FROM memory WHERE key = ?`, key)
	e, err := scanMemory(row)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`UPDATE memory SET access_count = access_count + 1 WHERE key = ?`, key); err != nil {
		return nil, fmt.Errorf("bump access count: %w", err)
	}
	e.AccessCount++
	return e, nil
}

// DeleteMemory removes the entry for key.
func (s *Store) DeleteMemory(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM memory WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMemoryNotFound
	}
	return nil
}

// SearchMemory performs a full-text search over all tiers, optionally
// filtered by category, ranked by confidence then access count. Returned
// entries have their access count incremented (retrieval counts as recall).
func (s *Store) SearchMemory(query, category string, limit int) ([]MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		results []MemoryEntry
		err     error
	)
	if s.ftsAvailable {
		results, err = s.searchMemoryFTS(query, category, limit)
		if err == nil && len(results) == 0 {
			// Phrase match found nothing: retry as OR of keywords so
			// conversational queries still hit.
			if expanded := expandKeywordQuery(query); expanded != "" {
				results, err = s.searchMemoryFTS(expanded, category, limit)
			}
		}
	} else {
		results, err = s.searchMemoryLike(query, category, limit)
	}
	if err != nil {
		return nil, err
	}

	for i := range results {
		if _, err := s.db.Exec(`UPDATE memory SET access_count = access_count + 1 WHERE key = ?`,
			results[i].Key); err != nil {
			return nil, fmt.Errorf("bump access count: %w", err)
		}
		results[i].AccessCount++
	}
	return results, nil
}

func (s *Store) searchMemoryFTS(query, category string, limit int) ([]MemoryEntry, error) {
	safe := sanitizeFTSQuery(query)
	if safe == "" {
		return nil, nil
	}

	q := `
		SELECT m.key, m.category, m.l0, m.l1, m.l2, m.confidence, m.access_count, m.created_at, m.updated_at
		FROM memory_fts
		JOIN memory m ON m.rowid = memory_fts.rowid
		WHERE memory_fts MATCH ?`
	args := []any{safe}
	if category != "" {
		q += ` AND m.category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY m.confidence DESC, m.access_count DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

func (s *Store) searchMemoryLike(query, category string, limit int) ([]MemoryEntry, error) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, nil
	}

	var conditions []string
	var args []any
	for _, w := range words {
		conditions = append(conditions,
			"(LOWER(key) LIKE ? OR LOWER(l0) LIKE ? OR LOWER(l1) LIKE ? OR LOWER(l2) LIKE ?)")
		pat := "%" + w + "%"
		args = append(args, pat, pat, pat, pat)
	}
	q := fmt.Sprintf(`
		SELECT key, category, l0, l1, l2, confidence, access_count, created_at, updated_at
		FROM memory WHERE (%s)`, strings.Join(conditions, " OR "))
	if category != "" {
		q += ` AND category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY confidence DESC, access_count DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory LIKE search: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// L0Overview returns category → L0 lines for every entry, ordered by
// confidence. Used to inject a compact long-term context into system prompts.
func (s *Store) L0Overview() (map[string][]string, error) {
	rows, err := s.db.Query(`
		SELECT category, l0 FROM memory ORDER BY category, confidence DESC`)
	if err != nil {
		return nil, fmt.Errorf("load L0 overview: %w", err)
	}
	defer rows.Close()

	overview := make(map[string][]string)
	for rows.Next() {
		var category, l0 string
		if err := rows.Scan(&category, &l0); err != nil {
			return nil, fmt.Errorf("scan L0 row: %w", err)
		}
		overview[category] = append(overview[category], l0)
	}
	return overview, rows.Err()
}

func scanMemory(row *sql.Row) (*MemoryEntry, error) {
	var (
		e                  MemoryEntry
		createdAt, updated string
	)
	err := row.Scan(&e.Key, &e.Category, &e.L0, &e.L1, &e.L2,
		&e.Confidence, &e.AccessCount, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &e, nil
}

func scanMemoryRows(rows *sql.Rows) ([]MemoryEntry, error) {
	var entries []MemoryEntry
	for rows.Next() {
		var (
			e                  MemoryEntry
			createdAt, updated string
		)
		if err := rows.Scan(&e.Key, &e.Category, &e.L0, &e.L1, &e.L2,
			&e.Confidence, &e.AccessCount, &createdAt, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// sanitizeFTSQuery strips FTS5 operator characters and wraps the query in
// double quotes so user input is treated as a phrase literal, never syntax.
func sanitizeFTSQuery(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '(', ')', '*', '^', ':', '{', '}':
			return ' '
		default:
			return r
		}
	}, query)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return ""
	}
	return `"` + cleaned + `"`
}

// expandKeywordQuery turns a multi-word query into an OR of quoted keywords.
func expandKeywordQuery(query string) string {
	words := strings.Fields(query)
	if len(words) < 2 {
		return ""
	}
	var parts []string
	for _, w := range words {
		if safe := sanitizeFTSQuery(w); safe != "" {
			parts = append(parts, safe)
		}
	}
	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts, " OR ")
}
