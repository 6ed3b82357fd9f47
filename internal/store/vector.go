package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

// VectorIndex is the embedded vector store: chunk payloads and embeddings
// live in a SQLite file inside the index directory, and an HNSW graph over
// the embeddings is rebuilt from it at open. SQLite is the commit point, so
// per-document replacement is atomic and crash-safe; the graph is derived
// state guarded by the same lock searches take.
type VectorIndex struct {
	mu   sync.RWMutex
	db   *sql.DB
	dir  string
	dims int

	graph      *hnsw.Graph[uint64]
	idMap      map[string]uint64 // chunk ID -> graph key
	keyMap     map[uint64]string // graph key -> chunk ID
	nextKey    uint64
	tombstones int // lazily-deleted graph nodes still occupying the graph

	closed bool
}

const chunkSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id                 TEXT PRIMARY KEY,
	document_id        TEXT NOT NULL,
	chunk_index        INTEGER NOT NULL,
	total_chunks       INTEGER NOT NULL,
	text               TEXT NOT NULL,
	source_url         TEXT NOT NULL,
	kind               TEXT NOT NULL,
	domain             TEXT NOT NULL,
	content_hash       TEXT NOT NULL,
	http_last_modified TEXT NOT NULL DEFAULT '',
	http_etag          TEXT NOT NULL DEFAULT '',
	commit_id          TEXT NOT NULL DEFAULT '',
	topics             TEXT NOT NULL DEFAULT '[]',
	keywords           TEXT NOT NULL DEFAULT '[]',
	summary            TEXT NOT NULL DEFAULT '',
	concepts           TEXT NOT NULL DEFAULT '[]',
	difficulty         TEXT NOT NULL DEFAULT '',
	languages          TEXT NOT NULL DEFAULT '[]',
	frameworks         TEXT NOT NULL DEFAULT '[]',
	segment_start      REAL NOT NULL DEFAULT 0,
	fetched_at         INTEGER NOT NULL,
	embedding          BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_source_url ON chunks (source_url);
CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks (document_id);

CREATE TABLE IF NOT EXISTS index_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const stateKeyDimensions = "embedding_dimensions"

// OpenVectorIndex opens (or creates) the vector index directory.
// The stored embedding dimension must match dims; a mismatch means the
// deploy changed embedding models and the index needs a full rebuild.
func OpenVectorIndex(dir string, dims int) (*VectorIndex, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dims)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating vector index directory: %w", err)
	}

	dsn := filepath.Join(dir, "chunks.db") + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening chunk database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(chunkSchema); err != nil {
		_ = db.Close()
		return nil, qerrors.New(qerrors.ErrCodeIndexCorrupt, "creating chunk schema", err)
	}

	v := &VectorIndex{
		db:     db,
		dir:    dir,
		dims:   dims,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
	v.graph = newGraph()

	if err := v.checkDimensions(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := v.rebuildGraph(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return v, nil
}

// The metric is cosine by contract; changing it requires a full rebuild.
func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 64
	g.Ml = 0.25
	return g
}

func (v *VectorIndex) checkDimensions() error {
	var stored string
	err := v.db.QueryRow(`SELECT value FROM index_state WHERE key = ?`, stateKeyDimensions).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = v.db.Exec(`INSERT INTO index_state (key, value) VALUES (?, ?)`,
			stateKeyDimensions, fmt.Sprintf("%d", v.dims))
		return err
	case err != nil:
		return fmt.Errorf("reading index state: %w", err)
	}
	var storedDims int
	if _, err := fmt.Sscanf(stored, "%d", &storedDims); err != nil {
		return qerrors.New(qerrors.ErrCodeIndexCorrupt, "unreadable dimension state", err)
	}
	if storedDims != v.dims {
		return qerrors.New(qerrors.ErrCodeDimensionMismatch,
			ErrDimensionMismatch{Expected: storedDims, Got: v.dims}.Error(), nil)
	}
	return nil
}

func (v *VectorIndex) rebuildGraph() error {
	rows, err := v.db.Query(`SELECT id, embedding FROM chunks`)
	if err != nil {
		return fmt.Errorf("loading embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		vec, err := decodeEmbedding(blob)
		if err != nil {
			return qerrors.New(qerrors.ErrCodeIndexCorrupt,
				fmt.Sprintf("chunk %s has unreadable embedding", id), err)
		}
		if len(vec) != v.dims {
			return qerrors.New(qerrors.ErrCodeDimensionMismatch,
				ErrDimensionMismatch{Expected: v.dims, Got: len(vec)}.Error(), nil)
		}
		v.addToGraph(id, vec)
	}
	return rows.Err()
}

// addToGraph inserts a normalized copy of vec. Caller holds the write lock
// (or is in single-threaded open).
func (v *VectorIndex) addToGraph(id string, vec []float32) {
	if oldKey, exists := v.idMap[id]; exists {
		// Lazy deletion: orphan the old node rather than removing it.
		delete(v.keyMap, oldKey)
		v.tombstones++
	}
	key := v.nextKey
	v.nextKey++

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeInPlace(normalized)

	v.graph.Add(hnsw.MakeNode(key, normalized))
	v.idMap[id] = key
	v.keyMap[key] = id
}

// Add batch-inserts chunks with pre-computed embeddings. All-or-nothing:
// the SQLite transaction commits before the graph is touched.
func (v *VectorIndex) Add(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	for _, c := range chunks {
		if len(c.Embedding) != v.dims {
			return ErrDimensionMismatch{Expected: v.dims, Got: len(c.Embedding)}
		}
	}

	if err := v.writeChunksTx(ctx, "", chunks); err != nil {
		return err
	}
	for _, c := range chunks {
		v.addToGraph(c.ID, c.Embedding)
	}
	return nil
}

// DeleteBySourceURL removes all chunks for a source URL, atomically.
func (v *VectorIndex) DeleteBySourceURL(ctx context.Context, sourceURL string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}
	return v.deleteSourceLocked(ctx, sourceURL)
}

// ReplaceSourceURL atomically swaps all chunks for a source URL with the
// given set. Searchers never observe a union of old and new chunks: the
// whole replacement happens under the write lock, with SQLite committing
// delete and insert in one transaction.
func (v *VectorIndex) ReplaceSourceURL(ctx context.Context, sourceURL string, chunks []*Chunk) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	for _, c := range chunks {
		if len(c.Embedding) != v.dims {
			return ErrDimensionMismatch{Expected: v.dims, Got: len(c.Embedding)}
		}
	}

	oldIDs, err := v.chunkIDsForSource(ctx, sourceURL)
	if err != nil {
		return err
	}
	if err := v.writeChunksTx(ctx, sourceURL, chunks); err != nil {
		return err
	}
	for _, id := range oldIDs {
		if key, exists := v.idMap[id]; exists {
			delete(v.keyMap, key)
			delete(v.idMap, id)
			v.tombstones++
		}
	}
	for _, c := range chunks {
		v.addToGraph(c.ID, c.Embedding)
	}
	return nil
}

// writeChunksTx deletes deleteSource's rows (when non-empty) and inserts
// chunks, in one transaction.
func (v *VectorIndex) writeChunksTx(ctx context.Context, deleteSource string, chunks []*Chunk) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if deleteSource != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_url = ?`, deleteSource); err != nil {
			return fmt.Errorf("deleting chunks for %s: %w", deleteSource, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(id, document_id, chunk_index, total_chunks, text, source_url, kind, domain,
			 content_hash, http_last_modified, http_etag, commit_id,
			 topics, keywords, summary, concepts, difficulty, languages, frameworks,
			 segment_start, fetched_at, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range chunks {
		fetchedAt := c.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.DocumentID, c.ChunkIndex, c.TotalChunks, c.Text, c.SourceURL, c.Kind, c.Domain,
			c.ContentHash, c.HTTPLastModified, c.HTTPETag, c.CommitID,
			jsonList(c.Topics), jsonList(c.Keywords), c.Summary, jsonList(c.Concepts),
			c.Difficulty, jsonList(c.Languages), jsonList(c.Frameworks),
			c.SegmentStart, fetchedAt.Unix(), encodeEmbedding(c.Embedding)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (v *VectorIndex) deleteSourceLocked(ctx context.Context, sourceURL string) error {
	ids, err := v.chunkIDsForSource(ctx, sourceURL)
	if err != nil {
		return err
	}
	if _, err := v.db.ExecContext(ctx, `DELETE FROM chunks WHERE source_url = ?`, sourceURL); err != nil {
		return fmt.Errorf("deleting chunks for %s: %w", sourceURL, err)
	}
	for _, id := range ids {
		if key, exists := v.idMap[id]; exists {
			delete(v.keyMap, key)
			delete(v.idMap, id)
			v.tombstones++
		}
	}
	return nil
}

func (v *VectorIndex) chunkIDsForSource(ctx context.Context, sourceURL string) ([]string, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT id FROM chunks WHERE source_url = ?`, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("selecting chunk ids for %s: %w", sourceURL, err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Search returns the k nearest chunks by cosine distance, optionally
// restricted by metadata equality filters. Filtering happens after
// retrieval (over-fetching compensates), so thresholds stay tunable
// without re-indexing.
func (v *VectorIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if len(query) != v.dims {
		return nil, ErrDimensionMismatch{Expected: v.dims, Got: len(query)}
	}
	if len(v.idMap) == 0 || k <= 0 {
		return []*VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-fetch to absorb tombstoned graph nodes and post-filtering.
	fetchK := k + v.tombstones
	if len(filter) > 0 {
		fetchK += 3 * k
	}
	if max := len(v.idMap) + v.tombstones; fetchK > max {
		fetchK = max
	}

	nodes := v.graph.Search(normalized, fetchK)

	results := make([]*VectorResult, 0, k)
	for _, node := range nodes {
		id, live := v.keyMap[node.Key]
		if !live {
			continue // tombstone
		}
		chunk, err := v.getChunk(ctx, id)
		if err != nil {
			return nil, err
		}
		if chunk == nil || !filter.Matches(chunk) {
			continue
		}
		distance := v.graph.Distance(normalized, node.Value)
		results = append(results, &VectorResult{
			Chunk:      chunk,
			Distance:   distance,
			Similarity: SimilarityFromDistance(distance),
		})
		if len(results) >= k && len(filter) == 0 {
			break
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// GetBySourceURL returns all chunks for one source, ordered by chunk index.
// The refresher reads stored validators through this path.
func (v *VectorIndex) GetBySourceURL(ctx context.Context, sourceURL string) ([]*Chunk, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rows, err := v.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE source_url = ? ORDER BY chunk_index`, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("selecting chunks for %s: %w", sourceURL, err)
	}
	return scanChunks(rows)
}

// Count returns the number of stored chunks.
func (v *VectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

// Stats summarizes the index.
func (v *VectorIndex) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{Dimensions: v.dims}
	if err := v.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT document_id) FROM chunks`).Scan(&s.ChunkCount, &s.DocumentCount); err != nil {
		return nil, fmt.Errorf("reading index stats: %w", err)
	}
	return s, nil
}

// AllChunks streams every stored chunk, used to rebuild the lexical index.
func (v *VectorIndex) AllChunks(ctx context.Context) ([]*Chunk, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rows, err := v.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("selecting all chunks: %w", err)
	}
	return scanChunks(rows)
}

// DeleteAll wipes the index. Paired with a catalog wipe by the operator
// reset path.
func (v *VectorIndex) DeleteAll(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("wiping chunks: %w", err)
	}
	v.graph = newGraph()
	v.idMap = make(map[string]uint64)
	v.keyMap = make(map[uint64]string)
	v.nextKey = 0
	v.tombstones = 0
	return nil
}

// Close closes the underlying database.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	return v.db.Close()
}

func (v *VectorIndex) getChunk(ctx context.Context, id string) (*Chunk, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("selecting chunk %s: %w", id, err)
	}
	chunks, err := scanChunks(rows)
	if err != nil || len(chunks) == 0 {
		return nil, err
	}
	return chunks[0], nil
}

const chunkColumns = `id, document_id, chunk_index, total_chunks, text, source_url, kind, domain,
	content_hash, http_last_modified, http_etag, commit_id,
	topics, keywords, summary, concepts, difficulty, languages, frameworks,
	segment_start, fetched_at, embedding`

func scanChunks(rows *sql.Rows) ([]*Chunk, error) {
	defer func() { _ = rows.Close() }()
	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var topics, keywords, concepts, languages, frameworks string
		var fetchedAt int64
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.TotalChunks, &c.Text,
			&c.SourceURL, &c.Kind, &c.Domain,
			&c.ContentHash, &c.HTTPLastModified, &c.HTTPETag, &c.CommitID,
			&topics, &keywords, &c.Summary, &concepts, &c.Difficulty, &languages, &frameworks,
			&c.SegmentStart, &fetchedAt, &blob); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		c.Topics = parseList(topics)
		c.Keywords = parseList(keywords)
		c.Concepts = parseList(concepts)
		c.Languages = parseList(languages)
		c.Frameworks = parseList(frameworks)
		c.FetchedAt = time.Unix(fetchedAt, 0).UTC()
		vec, err := decodeEmbedding(blob)
		if err != nil {
			return nil, err
		}
		c.Embedding = vec
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func parseList(s string) []string {
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil || len(items) == 0 {
		return nil
	}
	return items
}

func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

func normalizeInPlace(vec []float32) {
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
