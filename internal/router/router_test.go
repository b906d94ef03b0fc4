package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/oriys/vega/internal/cloud"
	"github.com/oriys/vega/internal/local"
)

type fakeGPU struct {
	acquires []string
	err      error
}

func (f *fakeGPU) Acquire(ctx context.Context, model string) error {
	if f.err != nil {
		return f.err
	}
	f.acquires = append(f.acquires, model)
	return nil
}

func (f *fakeGPU) Release() {}

type fakeLocal struct {
	available bool
	text      string
	err       error
	lastModel string
}

func (f *fakeLocal) Generate(ctx context.Context, modelType, prompt string, opts local.GenerateOptions) (string, error) {
	f.lastModel = modelType
	return f.text, f.err
}

func (f *fakeLocal) Available(ctx context.Context) bool { return f.available }

type fakeCloud struct {
	text  string
	err   error
	calls int
}

func (f *fakeCloud) Generate(ctx context.Context, req cloud.Request) (*cloud.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &cloud.Response{Text: f.text, Model: "cloud-model"}, nil
}

func TestForceCloudSkipsLocal(t *testing.T) {
	gpu := &fakeGPU{}
	lc := &fakeLocal{available: true, text: "local answer"}
	cl := &fakeCloud{text: "cloud answer"}
	r := New(gpu, lc, cl)

	res, err := r.Route(context.Background(), Request{Prompt: "hi", ForceCloud: true})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Route != RouteCloud || res.Text != "cloud answer" {
		t.Fatalf("result = %+v, want forced cloud", res)
	}
	if len(gpu.acquires) != 0 {
		t.Fatalf("gpu acquired for a forced-cloud turn: %v", gpu.acquires)
	}
}

func TestImagesRouteToVisionModel(t *testing.T) {
	gpu := &fakeGPU{}
	lc := &fakeLocal{available: true, text: "I see a cat"}
	cl := &fakeCloud{}
	r := New(gpu, lc, cl)

	res, err := r.Route(context.Background(), Request{Prompt: "what is this", Images: []string{"aGk="}})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Route != RouteLocalVL {
		t.Fatalf("route = %s, want %s", res.Route, RouteLocalVL)
	}
	if lc.lastModel != local.ModelVL {
		t.Fatalf("model = %s, want vl", lc.lastModel)
	}
	if len(gpu.acquires) != 1 || gpu.acquires[0] != local.ModelVL {
		t.Fatalf("gpu acquires = %v, want [vl]", gpu.acquires)
	}
}

func TestVisionFailureDoesNotEscalate(t *testing.T) {
	gpu := &fakeGPU{}
	lc := &fakeLocal{available: true, err: errors.New("model crashed")}
	cl := &fakeCloud{text: "should not be used"}
	r := New(gpu, lc, cl)

	_, err := r.Route(context.Background(), Request{Prompt: "what is this", Images: []string{"aGk="}})
	if err == nil {
		t.Fatal("vision failure should propagate")
	}
	if cl.calls != 0 {
		t.Fatalf("cloud was called %d times for a vision turn", cl.calls)
	}
}

func TestLongPromptEscalatesWithoutTouchingGPU(t *testing.T) {
	gpu := &fakeGPU{}
	lc := &fakeLocal{available: true, text: "local answer"}
	cl := &fakeCloud{text: "cloud answer"}
	r := New(gpu, lc, cl)

	prompt := strings.Repeat("a", LocalContextLimit+1)
	res, err := r.Route(context.Background(), Request{Prompt: prompt})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Route != RouteCloud {
		t.Fatalf("route = %s, want %s", res.Route, RouteCloud)
	}
	if len(gpu.acquires) != 0 {
		t.Fatalf("gpu acquired for an oversized prompt: %v", gpu.acquires)
	}
}

func TestPromptAtLimitStaysLocal(t *testing.T) {
	gpu := &fakeGPU{}
	lc := &fakeLocal{available: true, text: "local answer"}
	cl := &fakeCloud{}
	r := New(gpu, lc, cl)

	prompt := strings.Repeat("a", LocalContextLimit)
	res, err := r.Route(context.Background(), Request{Prompt: prompt})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Route != RouteLocalCoder {
		t.Fatalf("route = %s, want %s", res.Route, RouteLocalCoder)
	}
}

func TestMultibytePromptCountsRunesNotBytes(t *testing.T) {
	gpu := &fakeGPU{}
	lc := &fakeLocal{available: true, text: "local answer"}
	cl := &fakeCloud{}
	r := New(gpu, lc, cl)

	// Three bytes per rune; stays within the character limit.
	prompt := strings.Repeat("語", LocalContextLimit)
	res, err := r.Route(context.Background(), Request{Prompt: prompt})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Route != RouteLocalCoder {
		t.Fatalf("route = %s, want %s", res.Route, RouteLocalCoder)
	}
}

func TestLocalFailureFallsBackToCloud(t *testing.T) {
	gpu := &fakeGPU{}
	lc := &fakeLocal{available: true, err: errors.New("generation failed")}
	cl := &fakeCloud{text: "cloud answer"}
	r := New(gpu, lc, cl)

	res, err := r.Route(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Route != RouteCloudFallback {
		t.Fatalf("route = %s, want %s", res.Route, RouteCloudFallback)
	}
}

func TestGPUBusyFallsBackToCloud(t *testing.T) {
	gpu := &fakeGPU{err: errors.New("vram busy")}
	lc := &fakeLocal{available: true, text: "never reached"}
	cl := &fakeCloud{text: "cloud answer"}
	r := New(gpu, lc, cl)

	res, err := r.Route(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Route != RouteCloudFallback {
		t.Fatalf("route = %s, want %s", res.Route, RouteCloudFallback)
	}
}

func TestBothPathsFailingReportsBoth(t *testing.T) {
	gpu := &fakeGPU{}
	lc := &fakeLocal{available: true, err: errors.New("local down")}
	cloudErr := errors.New("cloud down")
	cl := &fakeCloud{err: cloudErr}
	r := New(gpu, lc, cl)

	_, err := r.Route(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("route should fail when both paths fail")
	}
	if !errors.Is(err, cloudErr) {
		t.Fatalf("err = %v, want wrapped cloud error", err)
	}
	if !strings.Contains(err.Error(), "local down") {
		t.Fatalf("err = %v, want the local cause mentioned", err)
	}
}

func TestLocalDownRoutesToCloud(t *testing.T) {
	gpu := &fakeGPU{}
	lc := &fakeLocal{available: false}
	cl := &fakeCloud{text: "cloud answer"}
	r := New(gpu, lc, cl)

	res, err := r.Route(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Route != RouteCloud {
		t.Fatalf("route = %s, want %s", res.Route, RouteCloud)
	}
	if len(gpu.acquires) != 0 {
		t.Fatalf("gpu acquired while local server down: %v", gpu.acquires)
	}
}
