// Package search maintains a hybrid (vector + keyword) index over stored
// thread messages and exposes it to agent runs as an in-process tool
// provider.
package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/rs/zerolog"

	"github.com/harun/quill/pkg/thread"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Options tunes a hybrid search.
type Options struct {
	Limit         int
	VectorWeight  float64
	KeywordWeight float64
}

// Result is one search hit.
type Result struct {
	Message      thread.Message `json:"message"`
	Score        float64        `json:"score"`
	VectorScore  *float64       `json:"vector_score,omitempty"`
	KeywordScore *float64       `json:"keyword_score,omitempty"`
}

// Index maintains FTS5 and vector tables alongside the message store. It
// shares the store's database so index rows and message rows live in one
// file.
type Index struct {
	db       *sql.DB
	provider EmbeddingProvider
	logger   zerolog.Logger
}

// NewIndex prepares the index schema. provider may be nil, in which case
// only keyword search is available.
func NewIndex(db *sql.DB, provider EmbeddingProvider, logger zerolog.Logger) (*Index, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}

	idx := &Index{db: db, provider: provider, logger: logger}
	if err := idx.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize search schema: %w", err)
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	schema := `
		CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			message_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return err
	}

	if idx.provider != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS message_embeddings USING vec0(
				message_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, idx.provider.Dimension())
		if _, err := idx.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// IndexMessage adds a message to the keyword index and, when an embedding
// provider is configured, to the vector index. An embedding failure is
// logged and leaves the keyword row in place; the sweeper backfills the
// vector later.
func (idx *Index) IndexMessage(ctx context.Context, msg thread.Message) error {
	if _, err := idx.db.ExecContext(ctx,
		"INSERT INTO messages_fts (message_id, content) VALUES (?, ?)",
		msg.ID, msg.Content,
	); err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}

	if idx.provider == nil {
		return nil
	}

	if err := idx.embedMessage(ctx, msg.ID, msg.Content); err != nil {
		idx.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Embedding failed, keyword index only")
	}
	return nil
}

func (idx *Index) embedMessage(ctx context.Context, messageID, content string) error {
	embedding, err := idx.provider.GenerateEmbedding(ctx, content)
	if err != nil {
		return err
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	_, err = idx.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO message_embeddings (message_id, embedding) VALUES (?, ?)",
		messageID, string(embeddingJSON),
	)
	return err
}

// RemoveMessage drops a message from both index tables.
func (idx *Index) RemoveMessage(ctx context.Context, messageID string) error {
	if _, err := idx.db.ExecContext(ctx,
		"DELETE FROM messages_fts WHERE message_id = ?", messageID,
	); err != nil {
		return fmt.Errorf("failed to deindex message: %w", err)
	}

	if idx.provider != nil {
		if _, err := idx.db.ExecContext(ctx,
			"DELETE FROM message_embeddings WHERE message_id = ?", messageID,
		); err != nil {
			return fmt.Errorf("failed to remove embedding: %w", err)
		}
	}
	return nil
}

// Backfill embeds indexed messages that have no vector row yet. It returns
// the number of embeddings written.
func (idx *Index) Backfill(ctx context.Context) (int, error) {
	if idx.provider == nil {
		return 0, nil
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT m.id, m.content
		FROM messages m
		WHERE m.id NOT IN (SELECT message_id FROM message_embeddings)
		LIMIT 100`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to find unembedded messages: %w", err)
	}
	defer rows.Close()

	type pending struct{ id, content string }
	var queue []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.content); err != nil {
			return 0, err
		}
		queue = append(queue, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	written := 0
	for _, p := range queue {
		if err := idx.embedMessage(ctx, p.id, p.content); err != nil {
			idx.logger.Warn().Err(err).Str("message_id", p.id).Msg("Backfill embedding failed")
			continue
		}
		written++
	}
	return written, nil
}

// Search runs vector and keyword search in parallel and merges the ranked
// results. Either leg may fail on its own; only both failing is an error.
func (idx *Index) Search(ctx context.Context, userID, query string, opts *Options) ([]Result, error) {
	if query == "" {
		return []Result{}, nil
	}

	if opts == nil {
		opts = &Options{
			Limit:         20,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
		}
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	var vectorResults []vectorHit
	var keywordResults []keywordHit
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if idx.provider != nil {
			vectorResults, vectorErr = idx.vectorSearch(ctx, userID, query, 200)
		}
	}()

	go func() {
		defer wg.Done()
		keywordResults, keywordErr = idx.keywordSearch(ctx, query, 200)
	}()

	wg.Wait()

	if vectorErr != nil {
		idx.logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		idx.logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if vectorErr != nil && keywordErr != nil {
		return nil, errors.New("both search methods failed")
	}

	results, err := idx.mergeResults(ctx, userID, vectorResults, keywordResults, opts)
	if err != nil {
		return nil, err
	}

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// FindSimilar ranks stored messages by vector similarity to one reference
// message. It requires an embedding provider.
func (idx *Index) FindSimilar(ctx context.Context, userID, messageID string, limit int) ([]Result, error) {
	if idx.provider == nil {
		return nil, errors.New("similarity search requires an embedding provider")
	}
	if limit <= 0 {
		limit = 10
	}

	var content string
	err := idx.db.QueryRowContext(ctx,
		"SELECT content FROM messages WHERE user_id = ? AND id = ?",
		userID, messageID,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s not found", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reference message: %w", err)
	}

	hits, err := idx.vectorSearch(ctx, userID, content, limit+1)
	if err != nil {
		return nil, err
	}

	results := []Result{}
	for _, hit := range hits {
		if hit.messageID == messageID {
			continue
		}
		msg, err := idx.fetchMessage(ctx, userID, hit.messageID)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		score := (hit.similarity + 1) / 2
		vec := score
		results = append(results, Result{Message: *msg, Score: score, VectorScore: &vec})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

type vectorHit struct {
	messageID  string
	similarity float64
}

type keywordHit struct {
	messageID string
	bm25Score float64
}

// vectorSearch ranks the user's messages by cosine similarity. The join
// scopes ranking before the limit applies, so one user's results are never
// diluted by another user's rows.
func (idx *Index) vectorSearch(ctx context.Context, userID, query string, limit int) ([]vectorHit, error) {
	embedding, err := idx.provider.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT e.message_id, vec_distance_cosine(e.embedding, ?) as distance
		FROM message_embeddings e
		JOIN messages m ON m.id = e.message_id
		WHERE m.user_id = ?
		ORDER BY distance ASC
		LIMIT ?`,
		string(embeddingJSON), userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var hit vectorHit
		var distance float64
		if err := rows.Scan(&hit.messageID, &distance); err != nil {
			return nil, err
		}
		hit.similarity = 1.0 - distance
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (idx *Index) keywordSearch(ctx context.Context, query string, limit int) ([]keywordHit, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT message_id, bm25(messages_fts) as score
		FROM messages_fts
		WHERE messages_fts MATCH ?
		ORDER BY score
		LIMIT ?`,
		query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var hit keywordHit
		var score float64
		if err := rows.Scan(&hit.messageID, &score); err != nil {
			return nil, err
		}
		// BM25 scores are negative, convert to positive
		hit.bm25Score = -score
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (idx *Index) mergeResults(ctx context.Context, userID string, vectorResults []vectorHit, keywordResults []keywordHit, opts *Options) ([]Result, error) {
	vectorMap := make(map[string]float64)
	keywordMap := make(map[string]float64)

	var maxKeyword float64
	for _, r := range vectorResults {
		vectorMap[r.messageID] = r.similarity
	}
	for _, r := range keywordResults {
		keywordMap[r.messageID] = r.bm25Score
		if r.bm25Score > maxKeyword {
			maxKeyword = r.bm25Score
		}
	}

	ids := make(map[string]bool)
	for id := range vectorMap {
		ids[id] = true
	}
	for id := range keywordMap {
		ids[id] = true
	}

	type scored struct {
		messageID    string
		score        float64
		vectorScore  *float64
		keywordScore *float64
	}

	var ranked []scored
	for id := range ids {
		var normalizedVector, normalizedKeyword float64

		if similarity, ok := vectorMap[id]; ok {
			// Map similarity [-1, 1] to [0, 1].
			normalizedVector = (similarity + 1) / 2
		}
		if bm25, ok := keywordMap[id]; ok && maxKeyword > 0 {
			normalizedKeyword = bm25 / maxKeyword
		}

		entry := scored{
			messageID: id,
			score:     normalizedVector*opts.VectorWeight + normalizedKeyword*opts.KeywordWeight,
		}
		if _, ok := vectorMap[id]; ok {
			v := normalizedVector
			entry.vectorScore = &v
		}
		if _, ok := keywordMap[id]; ok {
			k := normalizedKeyword
			entry.keywordScore = &k
		}
		ranked = append(ranked, entry)
	}

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	results := make([]Result, 0, len(ranked))
	for _, r := range ranked {
		msg, err := idx.fetchMessage(ctx, userID, r.messageID)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			// Indexed for another user or already deleted.
			continue
		}
		results = append(results, Result{
			Message:      *msg,
			Score:        r.score,
			VectorScore:  r.vectorScore,
			KeywordScore: r.keywordScore,
		})
	}
	return results, nil
}

func (idx *Index) fetchMessage(ctx context.Context, userID, messageID string) (*thread.Message, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_name, sender_name, content, type, timestamp, agent_id
		FROM messages WHERE user_id = ? AND id = ?`,
		userID, messageID,
	)

	var msg thread.Message
	var ts int64
	var agentID sql.NullString
	err := row.Scan(&msg.ID, &msg.UserID, &msg.ThreadName, &msg.SenderName,
		&msg.Content, &msg.Type, &ts, &agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}

	msg.Timestamp = time.Unix(0, ts).UTC()
	if agentID.Valid {
		msg.AgentID = agentID.String
	}
	return &msg, nil
}
