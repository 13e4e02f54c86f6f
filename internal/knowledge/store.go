// Package knowledge implements the per-repository embedded knowledge
// store: a deterministic identifier-quality embedding plus a single SQLite
// table supporting k-NN-style search, project isolation, compaction hooks,
// and cleanup (spec §4.J). Grounded on the SQL-adapter conventions used
// elsewhere in this codebase, backed by an embedded cgo-free SQLite
// database instead of a shared Postgres cluster.
package knowledge

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/cco-dev/claude-code-orchestra/internal/domainerr"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store owns one repository's knowledge database.
type Store struct {
	db         *sql.DB
	repository string
	logger     *slog.Logger
}

// Open creates "<dataRoot>/knowledge/<repository>/" (mode 0o700) if
// missing, opens (creating) its database file (mode 0o600), runs
// migrations, and inserts the system sentinel row on first creation
// (spec §4.J "initialize").
func Open(ctx context.Context, dataRoot, repository string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Join(dataRoot, "knowledge", repository)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("knowledge: mkdir: %w", err)
	}
	_ = os.Chmod(dir, 0o700) // recursive protection; POSIX only, no-op elsewhere

	path := filepath.Join(dir, "knowledge.db")
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	_ = os.Chmod(path, 0o600)

	s := &Store{db: db, repository: repository, logger: logger}

	if isNew {
		if err := s.insertSentinel(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return s, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("knowledge: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("knowledge: run migrations: %w", err)
	}
	return nil
}

func (s *Store) insertSentinel(ctx context.Context) error {
	item := NewItem{Text: "knowledge store initialised", Type: TypeSystem}
	_, err := s.Store(ctx, item)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// genID produces "<type>-<unix-ts>-<7-char-uuid-prefix>" (spec §4.J
// "store").
func genID(t Type, now time.Time) string {
	suffix := uuid.NewString()[:7]
	return fmt.Sprintf("%s-%d-%s", t, now.Unix(), suffix)
}

// Store validates, embeds, and writes one item, returning its assigned ID.
func (s *Store) Store(ctx context.Context, item NewItem) (string, error) {
	if len(item.Text) == 0 {
		return "", fmt.Errorf("knowledge: store: text must not be empty: %w", domainerr.ErrValidation)
	}
	if len(item.Text) > MaxTextBytes {
		return "", fmt.Errorf("knowledge: store: text exceeds %d bytes: %w", MaxTextBytes, domainerr.ErrValidation)
	}

	now := time.Now().UTC()
	vec := Embed(item.Text)
	id := genID(item.Type, now)

	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("knowledge: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestra_knowledge (id, vector, text, type, project_id, session_id, agent, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, vectorToBytes(vec), item.Text, string(item.Type), item.ProjectID, item.SessionID, item.Agent,
		now.Format(time.RFC3339Nano), string(metaJSON))
	if err != nil {
		return "", fmt.Errorf("knowledge: insert item: %w", err)
	}
	return id, nil
}

// StoreBatch stores each item independently; a single failure is logged
// and skipped rather than aborting the batch (spec §4.J "store_batch").
func (s *Store) StoreBatch(ctx context.Context, items []NewItem) []string {
	ids := make([]string, 0, len(items))
	for i, item := range items {
		id, err := s.Store(ctx, item)
		if err != nil {
			s.logger.Warn("knowledge: batch item failed", "index", i, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Search embeds query, oversamples 2*limit nearest rows by cosine
// distance, drops system rows, applies the optional equality filters in
// order (project_id, type, agent), then truncates to limit (spec §4.J
// "search"). An empty query still returns an ordering (by distance to the
// zero-similarity reference), which GetProjectKnowledge re-sorts by time.
func (s *Store) Search(ctx context.Context, query string, limit int, filters SearchFilters) ([]ScoredItem, error) {
	all, err := s.allNonSystem(ctx)
	if err != nil {
		return nil, err
	}

	qvec := Embed(query)
	scored := make([]ScoredItem, 0, len(all))
	for _, it := range all {
		scored = append(scored, ScoredItem{Item: it, Score: cosineDistance(qvec, it.Vector)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score < scored[j].Score })

	oversample := 2 * limit
	if oversample > len(scored) || oversample <= 0 {
		oversample = len(scored)
	}
	candidates := scored[:oversample]

	var out []ScoredItem
	for _, c := range candidates {
		if filters.ProjectID != "" && c.Item.ProjectID != filters.ProjectID {
			continue
		}
		if filters.Type != "" && c.Item.Type != filters.Type {
			continue
		}
		if filters.Agent != "" && c.Item.Agent != filters.Agent {
			continue
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetProjectKnowledge is Search with an empty query, re-sorted by
// timestamp descending, then truncated to limit (spec §4.J
// "get_project_knowledge").
func (s *Store) GetProjectKnowledge(ctx context.Context, projectID string, itemType Type, limit int) ([]Item, error) {
	results, err := s.Search(ctx, "", limit*4+limit, SearchFilters{ProjectID: projectID, Type: itemType})
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(results))
	for _, r := range results {
		items = append(items, r.Item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.After(items[j].Timestamp) })

	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// allNonSystem loads every row except the system sentinel(s).
func (s *Store) allNonSystem(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vector, text, type, project_id, session_id, agent, timestamp, metadata
		FROM orchestra_knowledge WHERE type != ?
	`, string(TypeSystem))
	if err != nil {
		return nil, fmt.Errorf("knowledge: query: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		it          Item
		vecBytes    []byte
		typ         string
		ts          string
		metaJSON    string
	)
	if err := row.Scan(&it.ID, &vecBytes, &it.Text, &typ, &it.ProjectID, &it.SessionID, &it.Agent, &ts, &metaJSON); err != nil {
		return Item{}, fmt.Errorf("knowledge: scan: %w", err)
	}
	it.Type = Type(typ)
	vec, err := bytesToVector(vecBytes)
	if err != nil {
		return Item{}, err
	}
	it.Vector = vec

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Item{}, fmt.Errorf("knowledge: parse timestamp: %w", err)
	}
	it.Timestamp = parsed

	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return Item{}, fmt.Errorf("knowledge: unmarshal metadata: %w", err)
	}
	it.Metadata = meta

	return it, nil
}

// Cleanup deletes rows older than olderThanDays, optionally scoped to one
// project, and returns the count removed (spec §4.J "cleanup").
func (s *Store) Cleanup(ctx context.Context, olderThanDays int, projectID string) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays).Format(time.RFC3339Nano)

	query := `DELETE FROM orchestra_knowledge WHERE timestamp < ? AND type != ?`
	args := []any{cutoff, string(TypeSystem)}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("knowledge: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("knowledge: cleanup rows affected: %w", err)
	}
	return int(n), nil
}

// StatsOf returns row-count, type/agent/project breakdowns, and the
// oldest/newest timestamps, excluding system rows (spec §4.J "stats").
func (s *Store) StatsOf(ctx context.Context) (Stats, error) {
	items, err := s.allNonSystem(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		Repository: s.repository,
		RowCount:   len(items),
		ByType:     map[Type]int{},
		ByAgent:    map[string]int{},
		ByProject:  map[string]int{},
	}

	for i, it := range items {
		st.ByType[it.Type]++
		if it.Agent != "" {
			st.ByAgent[it.Agent]++
		}
		if it.ProjectID != "" {
			st.ByProject[it.ProjectID]++
		}
		if i == 0 || it.Timestamp.Before(st.OldestStamp) {
			st.OldestStamp = it.Timestamp
		}
		if i == 0 || it.Timestamp.After(st.NewestStamp) {
			st.NewestStamp = it.Timestamp
		}
	}
	return st, nil
}

func vectorToBytes(v [VectorDim]float32) []byte {
	buf := make([]byte, VectorDim*4)
	for i, f := range v {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(b []byte) ([VectorDim]float32, error) {
	var v [VectorDim]float32
	if len(b) != VectorDim*4 {
		return v, fmt.Errorf("knowledge: corrupt vector: expected %d bytes, got %d", VectorDim*4, len(b))
	}
	for i := 0; i < VectorDim; i++ {
		v[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4 : i*4+4]))
	}
	return v, nil
}

// Repository returns the repository name this store is scoped to.
func (s *Store) Repository() string {
	return s.repository
}
