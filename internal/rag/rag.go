// Package rag assembles memory context for a turn.
//
// Retrieval queries the conversation, knowledge, and skill-memory
// collections, keeps hits whose cosine similarity clears the
// threshold, and ranks them by retention score:
//
//	score = 0.3*recency + 0.3*frequency + 0.4*priority
//
// Similarity decides what is relevant enough to consider; retention
// decides what is worth the context window. The top hits are rendered
// into a delimited context block prepended to the prompt.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/vector"
)

const (
	// SimilarityThreshold is the minimum cosine similarity (1 - distance)
	// for a hit to be considered at all.
	SimilarityThreshold = 0.75
	// ContextTopN is how many hits make it into the context block.
	ContextTopN = 10
	// PerCollection is how many candidates each collection contributes.
	PerCollection = 5
	// PruneThreshold is the total vector count at which pruning starts,
	// leaving headroom under the store's hard ceiling.
	PruneThreshold = 90000
	// PruneBatch caps how many vectors one prune removes per collection.
	PruneBatch = 1000
)

// priorityWeights maps a memory's priority to its scoring weight.
var priorityWeights = map[string]float64{
	vector.PriorityCritical:  1.0,
	vector.PriorityHigh:      0.8,
	vector.PriorityNormal:    0.5,
	vector.PriorityTemporary: 0.2,
}

// Clock seam for scoring tests.
var ragNow = time.Now

// Embedder turns text into a vector. Implemented by local.Client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the storage surface the pipeline needs.
type VectorStore interface {
	Query(ctx context.Context, collection string, embedding []float32, n int, where map[string]any) ([]vector.Result, error)
	Get(ctx context.Context, collection string, where map[string]any, limit int) ([]vector.Record, error)
	Add(ctx context.Context, collection string, docs []vector.Document) error
	Delete(ctx context.Context, collection string, ids []string) error
	TotalCount(ctx context.Context) (int, error)
}

// Hit is one retrieved memory with its scores.
type Hit struct {
	Document   string
	Collection string
	Similarity float64
	Score      float64
	Metadata   map[string]any
}

// Pipeline retrieves, scores, and stores memories.
type Pipeline struct {
	store       VectorStore
	embedder    Embedder
	collections []string
	pruneGroup  singleflight.Group
}

// New creates a pipeline over the default retrieval collections.
func New(store VectorStore, embedder Embedder) *Pipeline {
	return &Pipeline{
		store:    store,
		embedder: embedder,
		collections: []string{
			vector.CollectionConversationHistory,
			vector.CollectionKnowledgeBase,
			vector.CollectionSkillMemory,
		},
	}
}

// RetentionScore computes how much a memory is worth keeping in
// context. Recency decays on a 30-day half-scale, frequency saturates
// at ten accesses, and priority contributes the largest share.
func RetentionScore(meta map[string]any) float64 {
	now := float64(ragNow().Unix())
	createdAt := metaFloat(meta, "created_at", now)
	accessCount := metaFloat(meta, "access_count", 1)
	priority, _ := meta["priority"].(string)

	ageDays := (now - createdAt) / 86400
	if ageDays < 0.01 {
		ageDays = 0.01
	}
	recency := 1.0 / (1.0 + ageDays/30)

	frequency := accessCount / 10.0
	if frequency > 1.0 {
		frequency = 1.0
	}

	weight, ok := priorityWeights[priority]
	if !ok {
		weight = priorityWeights[vector.PriorityNormal]
	}

	return recency*0.3 + frequency*0.3 + weight*0.4
}

// Retrieve returns the best hits for the query, at most ContextTopN,
// ranked by retention score. A collection that fails to answer is
// skipped rather than failing the turn.
func (p *Pipeline) Retrieve(ctx context.Context, query string) ([]Hit, error) {
	embedding, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Query the collections in parallel; a slow collection should not
	// stack on top of the others inside the turn budget.
	perCol := make([][]vector.Result, len(p.collections))
	g, gctx := errgroup.WithContext(ctx)
	for i, col := range p.collections {
		i, col := i, col
		g.Go(func() error {
			results, err := p.store.Query(gctx, col, embedding, PerCollection, nil)
			if err != nil {
				logging.Op().Warn("memory retrieval failed for collection", "collection", col, "error", err)
				return nil
			}
			perCol[i] = results
			return nil
		})
	}
	g.Wait()

	var candidates []Hit
	for i, col := range p.collections {
		for _, res := range perCol[i] {
			similarity := 1.0 - res.Distance
			if similarity < SimilarityThreshold {
				continue
			}
			candidates = append(candidates, Hit{
				Document:   res.Text,
				Collection: col,
				Similarity: similarity,
				Score:      RetentionScore(res.Metadata),
				Metadata:   res.Metadata,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > ContextTopN {
		candidates = candidates[:ContextTopN]
	}
	return candidates, nil
}

// BuildContextBlock renders hits into the delimited block prepended to
// the prompt. No hits yields an empty string, not an empty block.
func BuildContextBlock(hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}
	parts := make([]string, 0, len(hits)+2)
	parts = append(parts, "[MEMORY CONTEXT]")
	for _, h := range hits {
		parts = append(parts, fmt.Sprintf("[%s | score=%.2f] %s", h.Collection, h.Score, h.Document))
	}
	parts = append(parts, "[END CONTEXT]")
	return strings.Join(parts, "\n")
}

// RetrieveAndFormat is the per-turn entry point: enforce the vector
// ceiling, retrieve, and render. Ceiling failures are logged and do
// not block the turn.
func (p *Pipeline) RetrieveAndFormat(ctx context.Context, query string) (string, error) {
	if err := p.EnforceCeiling(ctx); err != nil {
		logging.Op().Warn("vector ceiling enforcement failed", "error", err)
	}
	hits, err := p.Retrieve(ctx, query)
	if err != nil {
		return "", err
	}
	return BuildContextBlock(hits), nil
}

// EnforceCeiling prunes temporary memories once the store crosses the
// prune threshold. Each collection loses at most PruneBatch vectors
// per pass, oldest first, and only ones marked temporary; durable
// memories are never pruned automatically. Concurrent turns crossing
// the threshold together share one prune pass instead of each running
// a full Get/sort/Delete sweep.
func (p *Pipeline) EnforceCeiling(ctx context.Context) error {
	_, err, _ := p.pruneGroup.Do("prune", func() (any, error) {
		total, err := p.store.TotalCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("total vector count: %w", err)
		}
		if total < PruneThreshold {
			return nil, nil
		}
		logging.Op().Warn("vector count at prune threshold", "total", total, "threshold", PruneThreshold)

		for _, col := range vector.Collections() {
			removed, err := p.pruneCollection(ctx, col)
			if err != nil {
				logging.Op().Warn("prune failed for collection", "collection", col, "error", err)
				continue
			}
			if removed > 0 {
				logging.Op().Info("pruned temporary vectors", "collection", col, "removed", removed)
			}
		}
		return nil, nil
	})
	return err
}

// pruneCollection removes the oldest temporary vectors, up to PruneBatch.
func (p *Pipeline) pruneCollection(ctx context.Context, collection string) (int, error) {
	records, err := p.store.Get(ctx, collection, vector.Eq("priority", vector.PriorityTemporary), 0)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return metaFloat(records[i].Metadata, "created_at", 0) < metaFloat(records[j].Metadata, "created_at", 0)
	})
	if len(records) > PruneBatch {
		records = records[:PruneBatch]
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	if err := p.store.Delete(ctx, collection, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// StoreTurn persists a completed exchange into conversation history.
// The document id is the turn's correlation id, which makes stores
// idempotent across retries.
func (p *Pipeline) StoreTurn(ctx context.Context, sessionID, correlationID, userText, assistantText string) error {
	doc := fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText)
	embedding, err := p.embedder.Embed(ctx, doc)
	if err != nil {
		return fmt.Errorf("embed turn: %w", err)
	}
	now := ragNow().Unix()
	return p.store.Add(ctx, vector.CollectionConversationHistory, []vector.Document{{
		ID:        correlationID,
		Text:      doc,
		Embedding: embedding,
		Metadata: map[string]any{
			"session_id":   sessionID,
			"created_at":   now,
			"last_access":  now,
			"access_count": 1,
			"priority":     vector.PriorityNormal,
		},
	}})
}

// metaFloat reads a numeric metadata field, tolerating the types JSON
// decoding produces.
func metaFloat(meta map[string]any, key string, def float64) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}
