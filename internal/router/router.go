// Package router decides which model answers a turn and runs the call.
//
// Local models are preferred: the coder for text, the vision model
// whenever images are attached. The cloud endpoint takes over when the
// caller forces it, when the prompt exceeds the local context window,
// when the local server is down, or when a local attempt fails
// mid-turn. Vision requests never escalate; the cloud path has no
// image support in this deployment.
package router

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/oriys/vega/internal/cloud"
	"github.com/oriys/vega/internal/local"
	"github.com/oriys/vega/internal/logging"
)

// LocalContextLimit is the prompt size, in characters, beyond which a
// turn escalates to the cloud instead of the local context window.
const LocalContextLimit = 30000

// Route names used for accounting and logs.
const (
	RouteLocalCoder    = "local_coder"
	RouteLocalVL       = "local_vl"
	RouteCloud         = "cloud"
	RouteCloudFallback = "cloud_fallback"
)

// GPU grants exclusive access to local-model memory.
type GPU interface {
	Acquire(ctx context.Context, model string) error
	Release()
}

// Local is the local inference surface the router needs.
type Local interface {
	Generate(ctx context.Context, modelType, prompt string, opts local.GenerateOptions) (string, error)
	Available(ctx context.Context) bool
}

// Cloud is the remote inference surface the router needs.
type Cloud interface {
	Generate(ctx context.Context, req cloud.Request) (*cloud.Response, error)
}

// Request is one generation to be routed.
type Request struct {
	Prompt     string
	System     string
	Images     []string // base64 payloads; forces the vision model
	ForceCloud bool
}

// Result is a routed generation with its provenance.
type Result struct {
	Text  string
	Route string
}

// Router picks a model per request and executes the call.
type Router struct {
	gpu   GPU
	local Local
	cloud Cloud
	limit int
}

// New creates a router over the given backends.
func New(gpu GPU, localClient Local, cloudClient Cloud) *Router {
	return &Router{gpu: gpu, local: localClient, cloud: cloudClient, limit: LocalContextLimit}
}

// Route dispatches the request and returns the response text together
// with the route that produced it.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	if req.ForceCloud {
		return r.callCloud(ctx, req, RouteCloud)
	}

	if len(req.Images) > 0 {
		text, err := r.callLocal(ctx, local.ModelVL, req)
		if err != nil {
			return nil, fmt.Errorf("vision generation: %w", err)
		}
		return &Result{Text: text, Route: RouteLocalVL}, nil
	}

	if n := utf8.RuneCountInString(req.Prompt); n > r.limit {
		logging.Op().Info("prompt exceeds local context window, escalating",
			"length", n, "limit", r.limit)
		return r.callCloud(ctx, req, RouteCloud)
	}

	if r.local.Available(ctx) {
		text, err := r.callLocal(ctx, local.ModelCoder, req)
		if err == nil {
			return &Result{Text: text, Route: RouteLocalCoder}, nil
		}
		logging.Op().Warn("local generation failed, falling back to cloud", "error", err)
		res, cerr := r.callCloud(ctx, req, RouteCloudFallback)
		if cerr != nil {
			return nil, fmt.Errorf("local failed (%v); %w", err, cerr)
		}
		return res, nil
	}

	return r.callCloud(ctx, req, RouteCloud)
}

// callLocal acquires the GPU for the model, generates, and releases.
func (r *Router) callLocal(ctx context.Context, model string, req Request) (string, error) {
	if err := r.gpu.Acquire(ctx, model); err != nil {
		return "", err
	}
	defer r.gpu.Release()
	return r.local.Generate(ctx, model, req.Prompt, local.GenerateOptions{
		System: req.System,
		Images: req.Images,
	})
}

func (r *Router) callCloud(ctx context.Context, req Request, route string) (*Result, error) {
	resp, err := r.cloud.Generate(ctx, cloud.Request{Prompt: req.Prompt, System: req.System})
	if err != nil {
		return nil, err
	}
	return &Result{Text: resp.Text, Route: route}, nil
}
