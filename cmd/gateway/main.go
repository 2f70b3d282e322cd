// The gateway binary wires the control plane together: config, posture gate,
// admission pipeline, scheduler, bridge, and the HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openclaw/gateway/internal/admission"
	"github.com/openclaw/gateway/internal/api"
	"github.com/openclaw/gateway/internal/approval"
	"github.com/openclaw/gateway/internal/auth"
	"github.com/openclaw/gateway/internal/bridge"
	"github.com/openclaw/gateway/internal/budget"
	"github.com/openclaw/gateway/internal/callback"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/engine"
	"github.com/openclaw/gateway/internal/idempotency"
	"github.com/openclaw/gateway/internal/infra"
	"github.com/openclaw/gateway/internal/job"
	"github.com/openclaw/gateway/internal/logging"
	"github.com/openclaw/gateway/internal/metrics"
	"github.com/openclaw/gateway/internal/posture"
	"github.com/openclaw/gateway/internal/preset"
	"github.com/openclaw/gateway/internal/redact"
	"github.com/openclaw/gateway/internal/registry"
	"github.com/openclaw/gateway/internal/safeio"
	"github.com/openclaw/gateway/internal/scheduler"
	"github.com/openclaw/gateway/internal/secrets"
	"github.com/openclaw/gateway/internal/trace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	redactor := redact.New(4096, 8)
	logger, logRing, closeLog, err := logging.Setup(logging.Options{
		Dir:             cfg.StateDir,
		TruncateOnStart: cfg.LogTruncateOnStart,
		RingSize:        1024,
	}, redactor)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closeLog()

	// Posture is evaluated once and frozen; a strict profile refuses to
	// serve at all when a check fails.
	snap := posture.FromConfig(cfg)
	for _, v := range snap.Evaluate() {
		logger.Warn("posture violation", "check", v.Check, "detail", v.Detail)
	}
	snap.Lock()
	if err := snap.Gate(); err != nil {
		return fmt.Errorf("posture gate: %w", err)
	}

	vault, err := secrets.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open secrets vault: %w", err)
	}

	mutable, err := config.NewMutableStore(cfg.Path("config.json"), cfg)
	if err != nil {
		return fmt.Errorf("load mutable config: %w", err)
	}
	cur := mutable.Get()

	bus := trace.NewBus(256)
	traces := trace.NewStore(256, 2*time.Hour, redactor, bus)

	// Idempotency outcomes go to Redis when configured, a state file
	// otherwise. Either way replays survive a restart.
	var idemBackend idempotency.Backend
	if cfg.RedisAddr != "" {
		rb, err := infra.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rb.Close()
		idemBackend = rb
		logger.Info("idempotency backend", "kind", "redis", "addr", cfg.RedisAddr)
	} else {
		fb, err := idempotency.NewFileBackend(cfg.Path("idempotency.json"))
		if err != nil {
			return fmt.Errorf("open idempotency file: %w", err)
		}
		idemBackend = fb
	}
	idem := idempotency.New(4096, idemBackend)

	reg, err := registry.New(cfg.Path("packs"), cur.MaxRenderedWorkflowBytes)
	if err != nil {
		return fmt.Errorf("load template packs: %w", err)
	}
	defer reg.Close()
	if err := reg.Watch(); err != nil {
		logger.Warn("pack hot reload unavailable", "error", err)
	}
	hooks := registry.NewHooks(registry.TransformBounds{})
	hooks.Seal()

	gate := budget.NewGate(budget.Limits{
		Total:   cur.MaxInflightTotal,
		Webhook: cur.MaxInflightWebhook,
		Bridge:  cur.MaxInflightBridge,
	})
	rates := budget.NewRateLimiter(10, 20)
	defer rates.Close()

	eng := engine.New(cfg.EngineURL)
	checker := safeio.NewChecker()
	cbPolicy := callbackPolicy(cfg)

	approvals, err := approval.NewStore(cfg.Path("approvals.json"), approval.Options{}, logger)
	if err != nil {
		return fmt.Errorf("load approvals: %w", err)
	}
	defer approvals.Close()

	cbSecret := cfg.WebhookHMACSecret
	if v, ok := vault.Get("callback_hmac_secret"); ok {
		cbSecret = v
	}
	watcher := callback.New(eng, checker, cbPolicy, traces, callback.Options{
		HMACSecret:     cbSecret,
		SecretResolver: vault.Get,
	}, logger)
	defer watcher.Close()

	pipeline := admission.New(admission.Pipeline{
		Traces:         traces,
		Idem:           idem,
		Registry:       reg,
		Hooks:          hooks,
		Callbacks:      checker,
		CallbackPolicy: cbPolicy,
		Approvals:      approvals,
		Gate:           gate,
		Engine:         eng,
		Watcher:        watcher,
		Policy: func(source, templateID, caller string) bool {
			return mutable.Get().RequireApproval
		},
		IdemTTL: cfg.IdempotencyTTL,
		Logger:  logger,
	})
	approvals.SetExecutor(pipeline.Executor())

	sched, err := scheduler.New(cfg.Path("schedules.json"), scheduler.Options{
		TickInterval: cfg.SchedulerTickInterval,
		MaxCatchup:   cur.SchedulerMaxCatchup,
		JitterMax:    cfg.SchedulerJitterMax,
	}, func(ctx context.Context, s scheduler.Schedule, fireTS time.Time, idemKey string) (string, error) {
		res, err := pipeline.Admit(ctx, admission.Request{
			Source:         job.SourceScheduler,
			Caller:         "schedule:" + s.ScheduleID,
			IdempotencyKey: idemKey,
			Payload: map[string]interface{}{
				"template_id": s.TemplateID,
				"inputs":      s.Inputs,
			},
		})
		if err != nil {
			return "", err
		}
		return res.PromptID, nil
	}, logger)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	sched.Start()
	defer sched.Close()

	mgr := assistManager(cfg, traces, logger)

	presets, err := preset.NewStore(cfg.Path("presets.json"))
	if err != nil {
		return fmt.Errorf("load presets: %w", err)
	}

	br, err := bridge.New(cfg, pipeline, eng, traces, bridge.Options{
		TokensPath: cfg.Path("bridge_tokens.json"),
	}, logger)
	if err != nil {
		return fmt.Errorf("init bridge: %w", err)
	}
	defer br.Close()

	srv := api.NewServer(api.Deps{
		Cfg:       cfg,
		Mutable:   mutable,
		Posture:   snap,
		Auth:      auth.New(cfg, idempotency.New(4096, nil)),
		Pipeline:  pipeline,
		Approvals: approvals,
		Scheduler: sched,
		Registry:  reg,
		Traces:    traces,
		Bus:       bus,
		LogRing:   logRing,
		Engine:    eng,
		Watcher:   watcher,
		LLM:       mgr,
		Metrics:   metrics.New(),
		Presets:   presets,
		Rates:     rates,
		Gate:      gate,
		Redactor:  redactor,
		Logger:    logger,
		Bridge:    br,
	})
	defer srv.Close()

	router, err := srv.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"addr", cfg.ListenAddr,
			"engine", cfg.EngineURL,
			"profile", cfg.DeploymentProfile,
			"bridge_enabled", cfg.BridgeEnabled)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
