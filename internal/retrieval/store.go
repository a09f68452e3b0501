package retrieval

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/events"
)

// SQLiteStore holds collections, their links and their chunks, and runs
// brute-force cosine similarity search over a collection's chunks. It shares
// the database opened by storage.Open.
type SQLiteStore struct {
	db  *sql.DB
	bus events.Publisher
}

// NewSQLiteStore wraps an existing *sql.DB. The collections, collection_links
// and chunks tables must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SetPublisher makes the store announce collection.created and
// collection.deleted on bus.
func (s *SQLiteStore) SetPublisher(bus events.Publisher) {
	s.bus = bus
}

func (s *SQLiteStore) publish(topic string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.Background(), topic, payload); err != nil {
		slog.Warn("publishing event failed", "topic", topic, "error", err)
	}
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// HashText returns the hex sha256 of text, used to skip duplicate chunks.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// --- Collections ---

const collectionColumns = `id, name, kind, COALESCE(conversation_id, ''), is_default,
	embed_provider, embed_model, embed_dims, chunk_policy, chunk_length, chunk_overlap, description, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(r rowScanner) (Collection, error) {
	var c Collection
	var isDefault int
	var createdAt string
	err := r.Scan(&c.ID, &c.Name, &c.Kind, &c.ConversationID, &isDefault,
		&c.Embedding.Provider, &c.Embedding.Model, &c.Embedding.Dimensions,
		&c.Chunking.Kind, &c.Chunking.Length, &c.Chunking.Overlap, &c.Description, &createdAt)
	if err != nil {
		return Collection{}, err
	}
	c.IsDefault = isDefault != 0
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Collection{}, fmt.Errorf("parsing created_at for collection %s: %w", c.ID, err)
	}
	c.CreatedAt = t
	return c, nil
}

// CreateCollection validates and inserts c, assigning an ID when empty.
func (s *SQLiteStore) CreateCollection(c Collection) (Collection, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Collection{}, fmt.Errorf("collection name is required")
	}
	switch c.Kind {
	case KindGlobal:
		if c.ConversationID != "" {
			return Collection{}, fmt.Errorf("global collection %q cannot belong to a conversation", c.Name)
		}
	case KindScoped:
		if c.ConversationID == "" {
			return Collection{}, fmt.Errorf("scoped collection %q needs a conversation", c.Name)
		}
		if c.IsDefault {
			return Collection{}, fmt.Errorf("scoped collection %q cannot be a default", c.Name)
		}
	default:
		return Collection{}, fmt.Errorf("unknown collection kind %q", c.Kind)
	}
	if c.Embedding.Model == "" || c.Embedding.Dimensions <= 0 {
		return Collection{}, fmt.Errorf("collection %q needs an embedding model and dimensions", c.Name)
	}
	if c.Chunking.Kind == "" {
		c.Chunking = DefaultChunkPolicy
	}
	if err := c.Chunking.Validate(); err != nil {
		return Collection{}, err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()

	var convID any
	if c.ConversationID != "" {
		convID = c.ConversationID
	}
	_, err := s.db.Exec(`INSERT INTO collections (id, name, kind, conversation_id, is_default,
			embed_provider, embed_model, embed_dims, chunk_policy, chunk_length, chunk_overlap, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Kind, convID, boolInt(c.IsDefault),
		c.Embedding.Provider, c.Embedding.Model, c.Embedding.Dimensions,
		c.Chunking.Kind, c.Chunking.Length, c.Chunking.Overlap, c.Description, c.CreatedAt.Format(timeLayout))
	if err != nil {
		return Collection{}, fmt.Errorf("inserting collection %q: %w", c.Name, err)
	}
	s.publish(events.TopicCollectionCreated, map[string]any{
		"collection_id": c.ID,
		"name":          c.Name,
		"kind":          c.Kind,
	})
	return c, nil
}

func (s *SQLiteStore) GetCollection(id string) (Collection, error) {
	c, err := scanCollection(s.db.QueryRow(`SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Collection{}, fmt.Errorf("collection %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *SQLiteStore) GetCollectionByName(name string) (Collection, error) {
	c, err := scanCollection(s.db.QueryRow(`SELECT `+collectionColumns+` FROM collections WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return Collection{}, fmt.Errorf("collection %q: %w", name, ErrNotFound)
	}
	return c, err
}

// ListCollections returns every collection, globals first, then by name.
func (s *SQLiteStore) ListCollections() ([]Collection, error) {
	return s.queryCollections(`SELECT ` + collectionColumns + ` FROM collections ORDER BY kind ASC, name ASC`)
}

// Defaults returns the global collections marked as assistance defaults.
func (s *SQLiteStore) Defaults() ([]Collection, error) {
	return s.queryCollections(`SELECT `+collectionColumns+` FROM collections
		WHERE kind = 'global' AND is_default = 1 ORDER BY name ASC`)
}

func (s *SQLiteStore) queryCollections(query string, args ...any) ([]Collection, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCollection removes a collection. Its chunks and links go with it.
func (s *SQLiteStore) DeleteCollection(id string) error {
	res, err := s.db.Exec(`DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting collection %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("collection %s: %w", id, ErrNotFound)
	}
	s.publish(events.TopicCollectionDeleted, map[string]any{"collection_id": id})
	return nil
}

// ScopedFor returns the scoped collection of a conversation, if any.
func (s *SQLiteStore) ScopedFor(conversationID string) (Collection, bool, error) {
	c, err := scanCollection(s.db.QueryRow(`SELECT `+collectionColumns+` FROM collections
		WHERE kind = 'scoped' AND conversation_id = ?`, conversationID))
	if err == sql.ErrNoRows {
		return Collection{}, false, nil
	}
	if err != nil {
		return Collection{}, false, err
	}
	return c, true, nil
}

// EnsureScoped returns the conversation's scoped collection, creating it
// with cfg on first use.
func (s *SQLiteStore) EnsureScoped(conversationID string, cfg engine.EmbeddingConfig) (Collection, error) {
	if c, ok, err := s.ScopedFor(conversationID); err != nil || ok {
		return c, err
	}
	c, err := s.CreateCollection(Collection{
		Name:           "conversation-" + conversationID,
		Kind:           KindScoped,
		ConversationID: conversationID,
		Embedding:      cfg,
		Chunking:       DefaultChunkPolicy,
	})
	if err != nil {
		// Lost a creation race with another caller.
		if existing, ok, lookupErr := s.ScopedFor(conversationID); lookupErr == nil && ok {
			return existing, nil
		}
		return Collection{}, err
	}
	return c, nil
}

// SetDefault marks or unmarks a global collection as an assistance default.
func (s *SQLiteStore) SetDefault(id string, isDefault bool) error {
	res, err := s.db.Exec(`UPDATE collections SET is_default = ? WHERE id = ? AND kind = 'global'`, boolInt(isDefault), id)
	if err != nil {
		return fmt.Errorf("updating collection %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("global collection %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Links ---

// Link attaches a global collection to a scoped one. Both must share an
// embedding space. Linking twice is a no-op.
func (s *SQLiteStore) Link(scopedID, globalID string) error {
	scoped, err := s.GetCollection(scopedID)
	if err != nil {
		return err
	}
	global, err := s.GetCollection(globalID)
	if err != nil {
		return err
	}
	if scoped.Kind != KindScoped || global.Kind != KindGlobal {
		return fmt.Errorf("%w: only scoped -> global links are allowed (%s -> %s)", ErrInvalidLink, scoped.Kind, global.Kind)
	}
	if !scoped.Embedding.Compatible(global.Embedding) {
		return fmt.Errorf("%w: %s uses %s/%s/%d, %s uses %s/%s/%d", ErrIncompatible,
			scoped.Name, scoped.Embedding.Provider, scoped.Embedding.Model, scoped.Embedding.Dimensions,
			global.Name, global.Embedding.Provider, global.Embedding.Model, global.Embedding.Dimensions)
	}

	_, err = s.db.Exec(`INSERT OR IGNORE INTO collection_links (scoped_id, global_id, created_at) VALUES (?, ?, ?)`,
		scopedID, globalID, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("linking %s to %s: %w", scopedID, globalID, err)
	}
	return nil
}

func (s *SQLiteStore) Unlink(scopedID, globalID string) error {
	res, err := s.db.Exec(`DELETE FROM collection_links WHERE scoped_id = ? AND global_id = ?`, scopedID, globalID)
	if err != nil {
		return fmt.Errorf("unlinking %s from %s: %w", globalID, scopedID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("link %s -> %s: %w", scopedID, globalID, ErrNotFound)
	}
	return nil
}

// Links returns the global collections linked to scopedID, oldest link first.
func (s *SQLiteStore) Links(scopedID string) ([]Collection, error) {
	return s.queryCollections(`SELECT c.id, c.name, c.kind, COALESCE(c.conversation_id, ''), c.is_default,
			c.embed_provider, c.embed_model, c.embed_dims, c.chunk_policy, c.chunk_length, c.chunk_overlap, c.description, c.created_at
		FROM collection_links l JOIN collections c ON c.id = l.global_id
		WHERE l.scoped_id = ? ORDER BY l.created_at ASC, c.name ASC`, scopedID)
}

// --- Chunks ---

// InsertChunks adds chunks to a collection in one transaction. Every
// embedding must match the collection's dimensions.
func (s *SQLiteStore) InsertChunks(collectionID string, chunks []Chunk) error {
	col, err := s.GetCollection(collectionID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if len(c.Embedding) != col.Embedding.Dimensions {
			return fmt.Errorf("%w: chunk %q has %d dimensions, collection %s expects %d",
				ErrDimensionMismatch, c.Name, len(c.Embedding), col.Name, col.Embedding.Dimensions)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO chunks (id, collection_id, name, text, text_hash, embedding, metadata, policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.TextHash == "" {
			c.TextHash = HashText(c.Text)
		}
		if c.Policy == "" {
			c.Policy = col.Chunking.Kind
		}
		meta := "{}"
		if len(c.Metadata) > 0 {
			raw, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("encoding metadata for chunk %s: %w", c.ID, err)
			}
			meta = string(raw)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.Exec(c.ID, collectionID, c.Name, c.Text, c.TextHash, encodeFloat32s(c.Embedding),
			meta, c.Policy, createdAt.Format(timeLayout)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// HasText reports whether a chunk with the same text already exists in the collection.
func (s *SQLiteStore) HasText(collectionID, text string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE collection_id = ? AND text_hash = ?`,
		collectionID, HashText(text)).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) CountChunks(collectionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE collection_id = ?`, collectionID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) DeleteChunk(id string) error {
	res, err := s.db.Exec(`DELETE FROM chunks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting chunk %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	return nil
}

// ChunkTexts returns the id, name and text of every chunk in a collection,
// oldest first. Embeddings are left out.
func (s *SQLiteStore) ChunkTexts(collectionID string) ([]Chunk, error) {
	rows, err := s.db.Query(`SELECT id, name, text FROM chunks WHERE collection_id = ? ORDER BY created_at ASC, id ASC`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks of %s: %w", collectionID, err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c := Chunk{CollectionID: collectionID}
		if err := rows.Scan(&c.ID, &c.Name, &c.Text); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Reembed moves a collection from one embedding space to another in a single
// transaction: every chunk gets its vector from vectors, keyed by chunk id,
// and the collection's embedding config becomes to. It returns ErrChanged,
// and changes nothing, when the collection no longer uses from or its chunk
// set differs from the keys of vectors.
func (s *SQLiteStore) Reembed(collectionID string, from, to engine.EmbeddingConfig, vectors map[string][]float32) error {
	for id, v := range vectors {
		if len(v) != to.Dimensions {
			return fmt.Errorf("%w: chunk %s has %d dimensions, want %d", ErrDimensionMismatch, id, len(v), to.Dimensions)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning reindex transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE collections SET embed_provider = ?, embed_model = ?, embed_dims = ?
		WHERE id = ? AND embed_provider = ? AND embed_model = ? AND embed_dims = ?`,
		to.Provider, to.Model, to.Dimensions,
		collectionID, from.Provider, from.Model, from.Dimensions)
	if err != nil {
		return fmt.Errorf("updating collection %s: %w", collectionID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("%w: %s no longer uses %s/%s", ErrChanged, collectionID, from.Provider, from.Model)
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM chunks WHERE collection_id = ?`, collectionID).Scan(&count); err != nil {
		return fmt.Errorf("counting chunks: %w", err)
	}
	if count != len(vectors) {
		return fmt.Errorf("%w: %s has %d chunks, %d were embedded", ErrChanged, collectionID, count, len(vectors))
	}

	stmt, err := tx.Prepare(`UPDATE chunks SET embedding = ? WHERE id = ? AND collection_id = ?`)
	if err != nil {
		return fmt.Errorf("preparing chunk update: %w", err)
	}
	defer stmt.Close()
	for id, v := range vectors {
		res, err := stmt.Exec(encodeFloat32s(v), id, collectionID)
		if err != nil {
			return fmt.Errorf("updating chunk %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return fmt.Errorf("%w: chunk %s is gone", ErrChanged, id)
		}
	}
	return tx.Commit()
}

// idScore holds only the ID and score during the scan phase of Search.
// Full chunk details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search returns the topK chunks of a collection most similar to vector.
// Chunks whose width differs from the query are ignored.
func (s *SQLiteStore) Search(ctx context.Context, collectionID string, vector []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE collection_id = ?`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(vector) {
			continue
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full chunks only for the top-K IDs.
	scores := make(map[string]float32, h.Len())
	args := make([]any, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		scores[item.ID] = item.Score
		args = append(args, item.ID)
	}

	fullRows, err := s.db.QueryContext(ctx, `SELECT ch.id, ch.collection_id, ch.name, ch.text, ch.text_hash, ch.metadata, ch.policy, ch.created_at, c.name
		FROM chunks ch JOIN collections c ON c.id = ch.collection_id
		WHERE ch.id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredChunk
	for fullRows.Next() {
		var sc ScoredChunk
		var meta, createdAt string
		if err := fullRows.Scan(&sc.ID, &sc.CollectionID, &sc.Name, &sc.Text, &sc.TextHash, &meta, &sc.Policy, &createdAt, &sc.CollectionName); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &sc.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for chunk %s: %w", sc.ID, err)
			}
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for chunk %s: %w", sc.ID, err)
		}
		sc.CreatedAt = t
		sc.Score = scores[sc.ID]
		results = append(results, sc)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	// IN query doesn't preserve order.
	sortByScore(results)
	return results, nil
}

// sortByScore orders by score descending, ties broken by chunk ID so merges
// are deterministic.
func sortByScore(results []ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsNotFound reports whether err is a retrieval or database not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2
// norm of a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
