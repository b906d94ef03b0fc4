// Package vector provides the long-term memory client. Records carry
// retention metadata (created_at, last_access, access_count, priority)
// that the retrieval pipeline scores; the store itself only persists
// and filters.
//
// The wire protocol is the vector store's HTTP API: name-addressed
// collections resolved to ids once and cached, cosine distance, and a
// metadata filter language supporting $eq, $lt and $and.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oriys/vega/internal/logging"
)

// Collection names. The four collections are created at startup with
// cosine similarity.
const (
	CollectionSkillMemory         = "skill_memory"
	CollectionConversationHistory = "conversation_history"
	CollectionKnowledgeBase       = "knowledge_base"
	CollectionSkillRegistry       = "skill_registry"
)

// MaxVectors is the store's hard capacity cap across all collections.
const MaxVectors = 100000

// Collections returns all collection names in creation order.
func Collections() []string {
	return []string{
		CollectionSkillMemory,
		CollectionConversationHistory,
		CollectionKnowledgeBase,
		CollectionSkillRegistry,
	}
}

// Priority levels carried in record metadata.
const (
	PriorityCritical  = "critical"
	PriorityHigh      = "high"
	PriorityNormal    = "normal"
	PriorityTemporary = "temporary"
)

// Document is a record to insert.
type Document struct {
	ID        string
	Text      string
	Embedding []float32
	Metadata  map[string]any
}

// Result is a query hit with its cosine distance.
type Result struct {
	ID       string
	Text     string
	Metadata map[string]any
	Distance float64
}

// Record is a fetched entry (no distance).
type Record struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// Config holds vector store connection settings.
type Config struct {
	BaseURL string
}

// Client talks to the vector store over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu  sync.Mutex
	ids map[string]string // collection name -> id
}

// New creates a vector store client.
func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:8000"
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		ids:        make(map[string]string),
	}
}

// Filter helpers for the metadata filter language.

// Eq matches records whose field equals v.
func Eq(field string, v any) map[string]any {
	return map[string]any{field: map[string]any{"$eq": v}}
}

// Lt matches records whose field is less than v.
func Lt(field string, v any) map[string]any {
	return map[string]any{field: map[string]any{"$lt": v}}
}

// And combines filters conjunctively.
func And(filters ...map[string]any) map[string]any {
	return map[string]any{"$and": filters}
}

func (c *Client) do(ctx context.Context, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vector store request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector store returned %d: %s", resp.StatusCode, string(data))
	}
	if dest != nil {
		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Heartbeat checks that the store is answering.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/heartbeat", nil, nil)
}

// WaitReady blocks until the store answers a heartbeat or the deadline
// passes. Used at startup where an unreachable store is fatal.
func (c *Client) WaitReady(ctx context.Context, maxWait time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = maxWait

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if err := c.Heartbeat(ctx); err != nil {
			logging.Op().Warn("vector store not ready", "attempt", attempt, "error", err)
			return err
		}
		logging.Op().Info("vector store connected", "attempt", attempt)
		return nil
	}, backoff.WithContext(policy, ctx))
}

type collectionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// InitCollections creates every collection if missing.
func (c *Client) InitCollections(ctx context.Context) error {
	for _, name := range Collections() {
		if _, err := c.collectionID(ctx, name); err != nil {
			return fmt.Errorf("init collection %s: %w", name, err)
		}
		logging.Op().Info("collection ready", "name", name)
	}
	return nil
}

func (c *Client) collectionID(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if id, ok := c.ids[name]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var info collectionInfo
	body := map[string]any{
		"name":          name,
		"metadata":      map[string]any{"hnsw:space": "cosine"},
		"get_or_create": true,
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/collections", body, &info); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.ids[name] = info.ID
	c.mu.Unlock()
	return info.ID, nil
}

// Add inserts documents into a collection.
func (c *Client) Add(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return err
	}

	ids := make([]string, len(docs))
	texts := make([]string, len(docs))
	embeddings := make([][]float32, len(docs))
	metadatas := make([]map[string]any, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		texts[i] = d.Text
		embeddings[i] = d.Embedding
		if d.Metadata != nil {
			metadatas[i] = d.Metadata
		} else {
			metadatas[i] = map[string]any{}
		}
	}

	body := map[string]any{
		"ids":        ids,
		"documents":  texts,
		"embeddings": embeddings,
		"metadatas":  metadatas,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/add", body, nil)
}

type queryResponse struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

// Query runs a nearest-neighbor search and returns up to n results.
func (c *Client) Query(ctx context.Context, collection string, embedding []float32, n int, where map[string]any) ([]Result, error) {
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"query_embeddings": [][]float32{embedding},
		"n_results":        n,
		"include":          []string{"documents", "metadatas", "distances"},
	}
	if where != nil {
		body["where"] = where
	}

	var resp queryResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/query", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(resp.IDs[0]))
	for i := range resp.IDs[0] {
		r := Result{ID: resp.IDs[0][i]}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			r.Text = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			r.Metadata = resp.Metadatas[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			r.Distance = resp.Distances[0][i]
		}
		results = append(results, r)
	}
	return results, nil
}

type getResponse struct {
	IDs       []string         `json:"ids"`
	Documents []string         `json:"documents"`
	Metadatas []map[string]any `json:"metadatas"`
}

// Get fetches records matching a filter. A limit of 0 fetches all matches.
func (c *Client) Get(ctx context.Context, collection string, where map[string]any, limit int) ([]Record, error) {
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"include": []string{"documents", "metadatas"},
	}
	if where != nil {
		body["where"] = where
	}
	if limit > 0 {
		body["limit"] = limit
	}

	var resp getResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/get", body, &resp); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(resp.IDs))
	for i := range resp.IDs {
		r := Record{ID: resp.IDs[i]}
		if i < len(resp.Documents) {
			r.Text = resp.Documents[i]
		}
		if i < len(resp.Metadatas) {
			r.Metadata = resp.Metadatas[i]
		}
		records = append(records, r)
	}
	return records, nil
}

// Delete removes records by id.
func (c *Client) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return err
	}
	body := map[string]any{"ids": ids}
	return c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/delete", body, nil)
}

// Update rewrites metadata for existing records.
func (c *Client) Update(ctx context.Context, collection string, ids []string, metadatas []map[string]any) error {
	if len(ids) == 0 {
		return nil
	}
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return err
	}
	body := map[string]any{
		"ids":       ids,
		"metadatas": metadatas,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/update", body, nil)
}

// Count returns the number of records in a collection.
func (c *Client) Count(ctx context.Context, collection string) (int, error) {
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return 0, err
	}
	var n int
	if err := c.do(ctx, http.MethodGet, "/api/v1/collections/"+id+"/count", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// TotalCount sums record counts across all collections. Collections
// that fail to answer are skipped.
func (c *Client) TotalCount(ctx context.Context) (int, error) {
	total := 0
	var lastErr error
	for _, name := range Collections() {
		n, err := c.Count(ctx, name)
		if err != nil {
			lastErr = err
			continue
		}
		total += n
	}
	if total == 0 && lastErr != nil {
		return 0, lastErr
	}
	return total, nil
}
