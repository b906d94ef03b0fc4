package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeStore is a minimal in-memory vector store speaking the HTTP API.
type fakeStore struct {
	collections map[string]string // name -> id
	records     map[string][]Document
	queryHits   []Result
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: make(map[string]string),
		records:     make(map[string][]Document),
	}
}

func (f *fakeStore) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int64{"nanosecond heartbeat": 1})
	})

	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		id, ok := f.collections[body.Name]
		if !ok {
			id = "id-" + body.Name
			f.collections[body.Name] = id
		}
		json.NewEncoder(w).Encode(map[string]string{"id": id, "name": body.Name})
	})

	mux.HandleFunc("/api/v1/collections/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/collections/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		id, op := parts[0], parts[1]

		switch op {
		case "add":
			var body struct {
				IDs       []string         `json:"ids"`
				Documents []string         `json:"documents"`
				Metadatas []map[string]any `json:"metadatas"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			for i := range body.IDs {
				f.records[id] = append(f.records[id], Document{
					ID:       body.IDs[i],
					Text:     body.Documents[i],
					Metadata: body.Metadatas[i],
				})
			}
			w.Write([]byte("true"))
		case "query":
			resp := queryResponse{
				IDs:       [][]string{{}},
				Documents: [][]string{{}},
				Metadatas: [][]map[string]any{{}},
				Distances: [][]float64{{}},
			}
			for _, hit := range f.queryHits {
				resp.IDs[0] = append(resp.IDs[0], hit.ID)
				resp.Documents[0] = append(resp.Documents[0], hit.Text)
				resp.Metadatas[0] = append(resp.Metadatas[0], hit.Metadata)
				resp.Distances[0] = append(resp.Distances[0], hit.Distance)
			}
			json.NewEncoder(w).Encode(resp)
		case "get":
			resp := getResponse{}
			for _, rec := range f.records[id] {
				resp.IDs = append(resp.IDs, rec.ID)
				resp.Documents = append(resp.Documents, rec.Text)
				resp.Metadatas = append(resp.Metadatas, rec.Metadata)
			}
			json.NewEncoder(w).Encode(resp)
		case "delete":
			var body struct {
				IDs []string `json:"ids"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			drop := make(map[string]bool, len(body.IDs))
			for _, rid := range body.IDs {
				drop[rid] = true
			}
			kept := f.records[id][:0]
			for _, rec := range f.records[id] {
				if !drop[rec.ID] {
					kept = append(kept, rec)
				}
			}
			f.records[id] = kept
			json.NewEncoder(w).Encode(body.IDs)
		case "count":
			json.NewEncoder(w).Encode(len(f.records[id]))
		default:
			http.NotFound(w, r)
		}
	})

	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	srv := httptest.NewServer(store.handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL}), store
}

func TestInitCollectionsCreatesAll(t *testing.T) {
	c, store := newTestClient(t)

	if err := c.InitCollections(context.Background()); err != nil {
		t.Fatalf("InitCollections failed: %v", err)
	}
	for _, name := range Collections() {
		if _, ok := store.collections[name]; !ok {
			t.Fatalf("collection %s not created", name)
		}
	}
}

func TestAddAndCount(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	docs := []Document{
		{ID: "m1", Text: "remember this", Metadata: map[string]any{"priority": PriorityNormal}},
		{ID: "m2", Text: "and this", Metadata: map[string]any{"priority": PriorityHigh}},
	}
	if err := c.Add(ctx, CollectionConversationHistory, docs); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	n, err := c.Count(ctx, CollectionConversationHistory)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
}

func TestQueryMapsColumns(t *testing.T) {
	c, store := newTestClient(t)
	store.queryHits = []Result{
		{ID: "a", Text: "doc a", Metadata: map[string]any{"priority": "high"}, Distance: 0.1},
		{ID: "b", Text: "doc b", Metadata: map[string]any{"priority": "normal"}, Distance: 0.4},
	}

	results, err := c.Query(context.Background(), CollectionKnowledgeBase, []float32{0.1, 0.2}, 5, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" || results[0].Text != "doc a" || results[0].Distance != 0.1 {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if results[1].Metadata["priority"] != "normal" {
		t.Fatalf("unexpected metadata: %+v", results[1].Metadata)
	}
}

func TestDeleteRemovesRecords(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	docs := []Document{
		{ID: "t1", Text: "old", Metadata: map[string]any{"priority": PriorityTemporary}},
		{ID: "t2", Text: "new", Metadata: map[string]any{"priority": PriorityTemporary}},
	}
	if err := c.Add(ctx, CollectionSkillMemory, docs); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := c.Delete(ctx, CollectionSkillMemory, []string{"t1"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	n, err := c.Count(ctx, CollectionSkillMemory)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record after delete, got %d", n)
	}
}

func TestTotalCountSumsCollections(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	c.Add(ctx, CollectionSkillMemory, []Document{{ID: "a", Text: "x"}})
	c.Add(ctx, CollectionKnowledgeBase, []Document{{ID: "b", Text: "y"}, {ID: "c", Text: "z"}})

	total, err := c.TotalCount(ctx)
	if err != nil {
		t.Fatalf("TotalCount failed: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
}

func TestFilterHelpers(t *testing.T) {
	f := And(Eq("priority", "temporary"), Lt("last_access", 1000))
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal filter: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, `"$and"`) || !strings.Contains(got, `"$eq":"temporary"`) || !strings.Contains(got, `"$lt":1000`) {
		t.Fatalf("unexpected filter encoding: %s", got)
	}
}
