package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/oriys/vega/internal/audit"
	"github.com/oriys/vega/internal/cloud"
	"github.com/oriys/vega/internal/codes"
	"github.com/oriys/vega/internal/config"
	"github.com/oriys/vega/internal/dream"
	"github.com/oriys/vega/internal/firewall"
	"github.com/oriys/vega/internal/health"
	"github.com/oriys/vega/internal/kv"
	"github.com/oriys/vega/internal/local"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/orchestrator"
	"github.com/oriys/vega/internal/quarantine"
	"github.com/oriys/vega/internal/rag"
	"github.com/oriys/vega/internal/router"
	"github.com/oriys/vega/internal/sandbox"
	"github.com/oriys/vega/internal/security"
	"github.com/oriys/vega/internal/skills"
	"github.com/oriys/vega/internal/strikes"
	"github.com/oriys/vega/internal/vector"
	"github.com/oriys/vega/internal/vram"
)

// readyTimeout bounds the startup wait for the KV and vector stores.
// Per the degradation policy both stores are fatal at startup and
// merely degraded at steady state.
const readyTimeout = 30 * time.Second

// kernel is the wired component graph. Every subcommand builds one;
// the daemon additionally starts the schedulers on top of it.
type kernel struct {
	cfg     *config.Config
	journal *audit.Log
	turnLog *logging.Logger

	store   *kv.Store
	vectors *vector.Client
	local   *local.Client
	cloud   *cloud.Client

	security *security.Manager
	firewall *firewall.Firewall
	gpu      *vram.Mutex
	router   *router.Router
	memory   *rag.Pipeline

	registry   *skills.Registry
	issuer     *codes.Issuer
	strikes    *strikes.Recorder
	quarantine *quarantine.Manager

	health *health.Collector
	dream  *dream.Cycle
	orch   *orchestrator.Orchestrator
}

// buildKernel connects every component. needVectors controls whether
// an unreachable vector store is fatal; operator commands that never
// touch memory (skill moves, lockdown) pass false.
func buildKernel(ctx context.Context, cfg *config.Config, needVectors bool) (*kernel, error) {
	k := &kernel{cfg: cfg}

	k.journal = audit.New(cfg.Daemon.LogsDir)

	k.turnLog = logging.Default()
	if err := k.turnLog.SetOutput(filepath.Join(cfg.Daemon.LogsDir, "tier2", "ops.jsonl")); err != nil {
		logging.Op().Warn("ops journal unavailable", "error", err)
	}

	k.store = kv.New(kv.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err := k.store.WaitReady(ctx, readyTimeout); err != nil {
		return nil, fmt.Errorf("kv store unreachable: %w", err)
	}

	k.vectors = vector.New(vector.Config{BaseURL: cfg.Vector.BaseURL})
	if needVectors {
		if err := k.vectors.WaitReady(ctx, readyTimeout); err != nil {
			return nil, fmt.Errorf("vector store unreachable: %w", err)
		}
		if err := k.vectors.InitCollections(ctx); err != nil {
			return nil, fmt.Errorf("init collections: %w", err)
		}
	}

	k.local = local.New(local.Config{
		BaseURL:    cfg.Local.BaseURL,
		CoderModel: cfg.Local.CoderModel,
		VLModel:    cfg.Local.VLModel,
		EmbedModel: cfg.Local.EmbedModel,
		KeepAlive:  cfg.Local.KeepAlive,
	})
	k.cloud = cloud.New(cloud.Config{
		APIKey:        cfg.Cloud.APIKey,
		BaseURL:       cfg.Cloud.BaseURL,
		Model:         cfg.Cloud.Model,
		FallbackModel: cfg.Cloud.FallbackModel,
		MaxTokens:     cfg.Cloud.MaxTokens,
		DailyBudget:   cfg.Cloud.DailyBudget,
	})

	k.security = security.NewManager(k.store, k.journal)
	k.security.Restore(ctx)
	k.firewall = firewall.New(k.journal, k.security)

	k.gpu = vram.New(k.local, k.store, k.journal)
	k.router = router.New(k.gpu, k.local, k.cloud)
	k.memory = rag.New(k.vectors, k.local)

	k.registry = skills.New(cfg.Skills.Root)
	k.issuer = codes.NewIssuer()
	k.strikes = strikes.New(k.store, k.registry, k.journal)
	k.quarantine = quarantine.New(k.registry, sandbox.New(), k.issuer, k.strikes, k.journal,
		quarantine.WithGate(k.security))

	k.health = health.NewCollector(health.Deps{
		Store:    k.store,
		Vectors:  k.vectors,
		Local:    k.local,
		Cloud:    k.cloud,
		VRAM:     k.gpu,
		Security: k.security,
		Codes:    k.issuer,
		Skills:   k.registry,
	})
	k.dream = dream.New(dream.Deps{
		Store:   k.store,
		Vectors: k.vectors,
		Codes:   k.issuer,
		Health:  k.health,
		Journal: k.journal,
		TurnLog: k.turnLog,
		LogsDir: cfg.Daemon.LogsDir,
	})

	k.orch = orchestrator.New(k.firewall, k.security, k.memory, k.router, k.turnLog)
	return k, nil
}

// Close releases long-lived resources in reverse dependency order.
func (k *kernel) Close() {
	k.dream.Stop()
	k.store.Close()
	k.journal.Close()
	k.turnLog.Close()
}
