package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:    srv.URL,
		CoderModel: "coder-model:7b",
		VLModel:    "vl-model:7b",
		KeepAlive:  "10m",
	})
}

func TestGenerateSendsModelAndOptions(t *testing.T) {
	var got generateRequest
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(generateResponse{Response: "hello there", Done: true})
	}))

	out, err := c.Generate(context.Background(), ModelCoder, "say hello", GenerateOptions{
		System:      "be brief",
		Temperature: 0.7,
		MaxTokens:   2048,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != "hello there" {
		t.Fatalf("unexpected response %q", out)
	}
	if got.Model != "coder-model:7b" {
		t.Fatalf("expected coder model, got %s", got.Model)
	}
	if got.Stream {
		t.Fatal("non-streaming request should set stream=false")
	}
	if got.System != "be brief" {
		t.Fatalf("system prompt not forwarded: %q", got.System)
	}
	if got.Options["num_predict"] != float64(2048) {
		t.Fatalf("num_predict not forwarded: %v", got.Options)
	}
}

func TestGenerateSelectsVisionModelForImages(t *testing.T) {
	var got generateRequest
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(generateResponse{Response: "a cat", Done: true})
	}))

	_, err := c.Generate(context.Background(), ModelVL, "what is this?", GenerateOptions{
		Images: []string{"aGVsbG8="},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got.Model != "vl-model:7b" {
		t.Fatalf("expected vision model, got %s", got.Model)
	}
	if len(got.Images) != 1 {
		t.Fatalf("images not forwarded: %v", got.Images)
	}
}

func TestGenerateStreamStopsAtDone(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []generateResponse{
			{Response: "hel"},
			{Response: "lo"},
			{Done: true},
			{Response: "never sent"},
		}
		enc := json.NewEncoder(w)
		for _, l := range lines {
			enc.Encode(l)
		}
	}))

	var parts []string
	err := c.GenerateStream(context.Background(), ModelCoder, "hi", GenerateOptions{}, func(fragment string) error {
		parts = append(parts, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}
	if strings.Join(parts, "") != "hello" {
		t.Fatalf("unexpected fragments %v", parts)
	}
}

func TestWarmSendsEmptyPromptWithKeepAlive(t *testing.T) {
	var got generateRequest
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("{}"))
	}))

	if err := c.Warm(context.Background(), ModelCoder); err != nil {
		t.Fatalf("Warm failed: %v", err)
	}
	if got.Prompt != "" {
		t.Fatalf("warm must use an empty prompt, got %q", got.Prompt)
	}
	if got.KeepAlive != "10m" {
		t.Fatalf("keep-alive hint not set: %q", got.KeepAlive)
	}
}

func TestUnloadZeroesKeepAliveForBothModels(t *testing.T) {
	var models []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.KeepAlive != "0" {
			t.Errorf("unload must send keep_alive=0, got %q", req.KeepAlive)
		}
		models = append(models, req.Model)
		w.Write([]byte("{}"))
	}))

	if err := c.Unload(context.Background()); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected both models unloaded, got %v", models)
	}
}

func TestAvailableProbesListing(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(tagsResponse{})
	}))
	if !c.Available(context.Background()) {
		t.Fatal("expected available when listing answers 200")
	}

	down := New(Config{BaseURL: "http://127.0.0.1:1"})
	if down.Available(context.Background()) {
		t.Fatal("expected unavailable when nothing listens")
	}
}

func TestListModels(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"coder-model:7b"},{"name":"other:3b"}]}`))
	}))

	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(names) != 2 || names[0] != "coder-model:7b" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestEnsureModelsPullsOnlyMissing(t *testing.T) {
	var pulled []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"coder-model:7b"}]}`))
		case "/api/pull":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			pulled = append(pulled, req["name"])
			w.Write([]byte(`{"status":"success"}`))
		default:
			http.NotFound(w, r)
		}
	}))

	if err := c.EnsureModels(context.Background()); err != nil {
		t.Fatalf("EnsureModels failed: %v", err)
	}
	if len(pulled) != 1 || pulled[0] != "vl-model:7b" {
		t.Fatalf("expected only the missing model pulled, got %v", pulled)
	}
}

func TestEmbedReturnsVector(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(embeddingsResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))

	vec, err := c.Embed(context.Background(), "remember me")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Fatalf("unexpected vector %v", vec)
	}
}
