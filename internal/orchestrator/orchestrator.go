// Package orchestrator runs the message pipeline.
//
// Each turn passes through the same stages in order: firewall scan,
// lockdown gate, memory retrieval, prompt assembly, model routing, and
// asynchronous turn persistence. A firewall or lockdown verdict blocks
// the turn; a retrieval failure only costs the turn its context; a
// routing failure is an error result, not a block. Persistence runs in
// the background and can never affect the response.
package orchestrator

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/vega/internal/firewall"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/observability"
	"github.com/oriys/vega/internal/router"
)

// Block reasons carried in blocked results.
const (
	ReasonSecurityPolicy = "security_policy"
	ReasonSystemLockdown = "system_lockdown"
)

// lockdownNotice is the canned response for turns refused by the gate.
const lockdownNotice = "System is in lockdown mode. Please provide unlock code to administrator."

// storeTimeout bounds the background persistence of one turn.
const storeTimeout = 30 * time.Second

// Firewall screens inbound text. Implemented by *firewall.Firewall.
type Firewall interface {
	Scan(ctx context.Context, text string) firewall.Result
}

// Lockdown is the gate state. Implemented by *security.Manager.
type Lockdown interface {
	Active(ctx context.Context) bool
	Unlock(ctx context.Context, code string) bool
}

// Memory retrieves context and persists turns. Implemented by
// *rag.Pipeline.
type Memory interface {
	RetrieveAndFormat(ctx context.Context, query string) (string, error)
	StoreTurn(ctx context.Context, sessionID, correlationID, userText, assistantText string) error
}

// ModelRouter dispatches one generation. Implemented by *router.Router.
type ModelRouter interface {
	Route(ctx context.Context, req router.Request) (*router.Result, error)
}

// Request is one inbound message.
type Request struct {
	Text       string
	SessionID  string
	Images     []string
	ForceCloud bool
}

// Result is the outcome of one turn.
type Result struct {
	CorrelationID string   `json:"correlation_id"`
	SessionID     string   `json:"session_id"`
	Response      string   `json:"response,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
	Blocked       bool     `json:"blocked"`
	Reason        string   `json:"reason,omitempty"`
	Detections    []string `json:"detections,omitempty"`
	Route         string   `json:"route,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	firewall Firewall
	lockdown Lockdown
	memory   Memory
	router   ModelRouter
	turnLog  *logging.Logger
}

// New creates an orchestrator. turnLog may be nil, in which case turns
// are not journaled.
func New(fw Firewall, gate Lockdown, memory Memory, modelRouter ModelRouter, turnLog *logging.Logger) *Orchestrator {
	return &Orchestrator{
		firewall: fw,
		lockdown: gate,
		memory:   memory,
		router:   modelRouter,
		turnLog:  turnLog,
	}
}

// ProcessMessage runs the full turn pipeline and always returns a
// result. Pipeline failures surface in Result.Error, never as a Go
// error, so callers have one shape to render.
func (o *Orchestrator) ProcessMessage(ctx context.Context, req Request) *Result {
	correlationID := uuid.New().String()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = correlationID
	}
	start := time.Now()
	inputChars := utf8.RuneCountInString(req.Text)

	ctx, span := observability.StartSpan(ctx, "vega.turn",
		observability.AttrTurnID.String(correlationID),
		observability.AttrSessionID.String(sessionID),
	)
	defer span.End()

	logging.Op().Info("processing message",
		"correlation_id", correlationID,
		"input_chars", inputChars,
	)

	res := &Result{CorrelationID: correlationID, SessionID: sessionID}

	fwCtx, fwSpan := observability.StartSpan(ctx, "vega.turn.firewall")
	verdict := o.firewall.Scan(fwCtx, req.Text)
	fwSpan.End()
	if !verdict.Allowed {
		logging.Op().Warn("message blocked by firewall",
			"correlation_id", correlationID,
			"detections", verdict.Detections,
		)
		res.Blocked = true
		res.Reason = ReasonSecurityPolicy
		res.Detections = verdict.Detections
		return o.finish(span, res, start, inputChars, 0)
	}

	if o.lockdown.Active(ctx) {
		res.Blocked = true
		res.Reason = ReasonSystemLockdown
		res.Response = lockdownNotice
		return o.finish(span, res, start, inputChars, 0)
	}

	ragCtx, ragSpan := observability.StartSpan(ctx, "vega.turn.retrieve")
	contextBlock, err := o.memory.RetrieveAndFormat(ragCtx, verdict.Sanitized)
	if err != nil {
		logging.Op().Warn("memory retrieval failed, continuing without context",
			"correlation_id", correlationID,
			"error", err,
		)
		observability.SetSpanError(ragSpan, err)
		contextBlock = ""
	}
	ragSpan.End()

	prompt := verdict.Sanitized
	contextItems := 0
	if contextBlock != "" {
		prompt = contextBlock + "\n\n" + verdict.Sanitized
		// The block is a header line, one line per memory, a footer line.
		contextItems = strings.Count(contextBlock, "\n") - 1
	}

	routeCtx, routeSpan := observability.StartSpan(ctx, "vega.turn.generate")
	routed, err := o.router.Route(routeCtx, router.Request{
		Prompt:     prompt,
		Images:     req.Images,
		ForceCloud: req.ForceCloud,
	})
	if err != nil {
		observability.SetSpanError(routeSpan, err)
		routeSpan.End()
		logging.Op().Error("model routing failed",
			"correlation_id", correlationID,
			"error", err,
		)
		res.Error = err.Error()
		return o.finish(span, res, start, inputChars, contextItems)
	}
	routeSpan.SetAttributes(observability.AttrRoute.String(routed.Route))
	observability.SetSpanOK(routeSpan)
	routeSpan.End()

	res.Response = routed.Text
	res.Route = routed.Route

	userText := verdict.Sanitized
	safeGo(func() {
		sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := o.memory.StoreTurn(sctx, sessionID, correlationID, userText, routed.Text); err != nil {
			logging.Op().Warn("turn persistence failed",
				"correlation_id", correlationID,
				"error", err,
			)
		}
	})

	return o.finish(span, res, start, inputChars, contextItems)
}

// Unlock releases an active lockdown when the code matches.
func (o *Orchestrator) Unlock(ctx context.Context, code string) bool {
	return o.lockdown.Unlock(ctx, code)
}

// finish stamps the duration, records metrics, journals the turn, and
// annotates the top-level span. Every pipeline exit passes through here.
func (o *Orchestrator) finish(span trace.Span, res *Result, start time.Time, inputChars, contextItems int) *Result {
	res.DurationMs = time.Since(start).Milliseconds()

	metrics.Global().RecordTurn(res.Route, res.DurationMs, res.Blocked, res.Error != "")

	if o.turnLog != nil {
		o.turnLog.Log(&logging.TurnLog{
			TurnID:       res.CorrelationID,
			SessionID:    res.SessionID,
			Route:        res.Route,
			DurationMs:   res.DurationMs,
			Blocked:      res.Blocked,
			Reason:       res.Reason,
			InputChars:   inputChars,
			OutputChars:  utf8.RuneCountInString(res.Response),
			ContextItems: contextItems,
			Error:        res.Error,
		})
	}

	span.SetAttributes(
		observability.AttrBlocked.Bool(res.Blocked),
		observability.AttrDurationMs.Int64(res.DurationMs),
	)
	if res.Route != "" {
		span.SetAttributes(observability.AttrRoute.String(res.Route))
	}

	if !res.Blocked && res.Error == "" {
		logging.Op().Info("response generated",
			"correlation_id", res.CorrelationID,
			"route", res.Route,
			"duration_ms", res.DurationMs,
		)
	}
	return res
}

// safeGo runs f on a goroutine, converting a panic into an error log so
// background work can never take the process down.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}
