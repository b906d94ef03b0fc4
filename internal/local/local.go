// Package local is a narrow client over the local-inference server.
// Generation, warm and unload are thin wrappers over /api/generate;
// warm/unload exist solely for the GPU arbiter and are never called
// from anywhere else.
package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/vega/internal/logging"
)

// Model roles. The concrete model names behind them are configuration.
const (
	ModelCoder = "coder"
	ModelVL    = "vl"
)

// Config holds local-inference server settings.
type Config struct {
	BaseURL    string
	CoderModel string
	VLModel    string
	EmbedModel string
	KeepAlive  string
}

// Client talks to the local-inference server over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a local-inference client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.KeepAlive == "" {
		cfg.KeepAlive = "10m"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// resolve maps a model role to the configured model name.
func (c *Client) resolve(modelType string) string {
	if modelType == ModelVL {
		return c.cfg.VLModel
	}
	return c.cfg.CoderModel
}

// GenerateOptions tune a single generation.
type GenerateOptions struct {
	System      string
	Temperature float64
	MaxTokens   int
	Images      []string // base64-encoded
}

type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	Options   map[string]any `json:"options,omitempty"`
	System    string         `json:"system,omitempty"`
	Images    []string       `json:"images,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// Generate produces a completion from the requested model role.
func (c *Client) Generate(ctx context.Context, modelType, prompt string, opts GenerateOptions) (string, error) {
	reqBody := generateRequest{
		Model:  c.resolve(modelType),
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
		System: opts.System,
		Images: opts.Images,
	}

	resp, err := c.post(ctx, "/api/generate", reqBody)
	if err != nil {
		return "", fmt.Errorf("local generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("local generate: status %d: %s", resp.StatusCode, string(data))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("local generate: decode: %w", err)
	}
	return out.Response, nil
}

// GenerateStream produces a completion fragment by fragment, calling fn
// for each non-empty fragment until the terminal marker. A non-nil
// error from fn stops the stream.
func (c *Client) GenerateStream(ctx context.Context, modelType, prompt string, opts GenerateOptions, fn func(fragment string) error) error {
	reqBody := generateRequest{
		Model:  c.resolve(modelType),
		Prompt: prompt,
		Stream: true,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
		System: opts.System,
	}

	resp, err := c.post(ctx, "/api/generate", reqBody)
	if err != nil {
		return fmt.Errorf("local stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("local stream: status %d: %s", resp.StatusCode, string(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk generateResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Response != "" {
			if err := fn(chunk.Response); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	return scanner.Err()
}

// Warm asks the server to hold a model hot with an empty generation and
// a keep-alive hint. Called only by the GPU arbiter.
func (c *Client) Warm(ctx context.Context, modelType string) error {
	wctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	model := c.resolve(modelType)
	resp, err := c.post(wctx, "/api/generate", generateRequest{
		Model:     model,
		Prompt:    "",
		KeepAlive: c.cfg.KeepAlive,
	})
	if err != nil {
		return fmt.Errorf("warm %s: %w", model, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("warm %s: status %d: %s", model, resp.StatusCode, string(data))
	}
	io.Copy(io.Discard, resp.Body)
	logging.Op().Info("model warmed", "model", model)
	return nil
}

// Unload asks the server to release every model from VRAM. Per-model
// failures are swallowed; the arbiter escalates when the GPU stays
// occupied. Called only by the GPU arbiter.
func (c *Client) Unload(ctx context.Context) error {
	for _, model := range []string{c.cfg.CoderModel, c.cfg.VLModel} {
		uctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resp, err := c.post(uctx, "/api/generate", generateRequest{
			Model:     model,
			Prompt:    "",
			KeepAlive: "0",
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	logging.Op().Info("requested unload for all models")
	return ctx.Err()
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Available reports whether the server answers a listing probe.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the names of models the server has downloaded.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("list models: decode: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// EnsureModels downloads any configured model the server is missing.
// Pulls stream progress to completion and can take a long time; run in
// the background.
func (c *Client) EnsureModels(ctx context.Context) error {
	existing, err := c.ListModels(ctx)
	if err != nil {
		return err
	}

	for _, model := range []string{c.cfg.CoderModel, c.cfg.VLModel} {
		if model == "" || hasModel(existing, model) {
			continue
		}
		logging.Op().Info("pulling model", "model", model)
		pctx, cancel := context.WithTimeout(ctx, time.Hour)
		err := c.pull(pctx, model)
		cancel()
		if err != nil {
			return fmt.Errorf("pull %s: %w", model, err)
		}
		logging.Op().Info("model pulled", "model", model)
	}
	return nil
}

func hasModel(existing []string, model string) bool {
	for _, name := range existing {
		if strings.Contains(name, model) {
			return true
		}
	}
	return false
}

func (c *Client) pull(ctx context.Context, model string) error {
	resp, err := c.post(ctx, "/api/pull", map[string]string{"name": model})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
	}
	// Drain the progress stream until the server finishes.
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

type embeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingsResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns an embedding vector for the text using the configured
// embedding model.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.cfg.EmbedModel
	if model == "" {
		model = "nomic-embed-text"
	}
	resp, err := c.post(ctx, "/api/embeddings", embeddingsRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed: status %d: %s", resp.StatusCode, string(data))
	}

	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embed: decode: %w", err)
	}
	return out.Embedding, nil
}
