package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"carely/internal/adapter/gateway"
	"carely/internal/adapter/llm"
	"carely/internal/adapter/store"
	"carely/internal/adapter/tool"
	"carely/internal/domain"
	"carely/internal/infra/config"
	"carely/internal/infra/logger"
	"carely/internal/infra/middleware"
	"carely/internal/infra/tracer"
	"carely/internal/usecase"
	"carely/internal/usecase/eventbus"
	"carely/internal/usecase/scheduling"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`carely - primary care assistant agent

USAGE:
    carely [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (missing file falls back to defaults)
    Environment: CARELY_* variables override config
    Secrets:     CARELY_CONFIG_KEY decrypts enc: values in the config

The agent listens on the gateway address (default :8090) and speaks a
WebSocket RPC protocol; see docs for the frame format.`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("CARELY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Transcript store
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return fmt.Errorf("store dir: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Model provider
	var provider domain.ModelProvider = llm.NewOpenAIProvider(cfg.LLM, log)
	if cfg.LLM.CircuitBreaker.Enabled {
		provider = llm.NewCircuitBreakerProvider(provider, cfg.LLM.CircuitBreaker, log)
	}

	// 6. Email delivery and follow-up scheduler
	emailBackend := tool.NewMockEmailBackend()
	log.Warn("email delivery is mocked; messages are recorded, not sent")

	var emailSched *scheduling.EmailScheduler
	if cfg.Scheduler.Enabled {
		sender := func(ctx context.Context, to, subject, body string) (string, error) {
			res, err := emailBackend.Send(ctx, tool.OutboundEmail{To: to, Subject: subject, Body: body})
			if err != nil {
				return "", err
			}
			return res.MessageID, nil
		}
		onSent := func(job scheduling.EmailJob, messageID string) {
			domain.PublishEvent(context.Background(), bus, domain.EventFollowUpSent, "", map[string]string{
				"job_id":     job.ID,
				"message_id": messageID,
			})
		}
		emailSched = scheduling.NewEmailScheduler(db, sender, onSent, log)
	}

	// 7. Tools
	registry := tool.NewRegistry(log)
	tools := []domain.Tool{
		tool.NewHotlinesTool(log),
		tool.NewHealthcareTool(nil, cfg.Tools.HealthcareTimeout, log),
		tool.NewHistoryTool(db, log),
		tool.NewScheduleFollowUpTool(),
		tool.NewGetUserLocationTool(),
		tool.NewFollowUpEmailTool(emailBackend, cfg.Tools.EmailMaxSendsPerHour, log),
	}
	if emailSched != nil {
		tools = append(tools, tool.NewScheduleFollowUpEmailTool(&followUpBridge{sched: emailSched, bus: bus}, log))
	}
	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}

	// 8. Turn pipeline
	systemPrompt := cfg.Agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	controller := usecase.NewTurnController(usecase.ControllerDeps{
		Provider:       provider,
		Tools:          registry,
		Store:          db,
		History:        db,
		ContextBuilder: usecase.NewContextBuilder(systemPrompt, cfg.LLM.Model, cfg.Agent.MaxHistoryTurns),
		Labeler:        usecase.NewLabeler(provider, db, log, cfg.LLM.LabelModel),
		Logger:         log,
		Bus:            bus,
		StepBudget:     cfg.Agent.StepBudget,
	})
	resolver := usecase.NewResolver(usecase.ResolverDeps{
		Store:      db,
		Controller: controller,
		Logger:     log,
		Bus:        bus,
	})

	// 9. Gateway
	entries := make([]gateway.TokenEntry, 0, len(cfg.Gateway.Auth.Tokens))
	for _, tk := range cfg.Gateway.Auth.Tokens {
		id := tk.Email
		if id == "" {
			id = tk.Name
		}
		entries = append(entries, gateway.TokenEntry{
			Token:     tk.Token,
			Principal: domain.Principal{ID: id, Name: tk.Name, Email: tk.Email},
		})
	}
	if len(entries) == 0 {
		return fmt.Errorf("gateway: no auth tokens configured")
	}
	ownership := func(ctx context.Context, conversationID, principalID string) error {
		_, err := db.Get(ctx, conversationID, principalID)
		return err
	}
	srv := gateway.NewServer(bus, gateway.NewStaticTokenAuth(entries), ownership, cfg.Gateway.Addr, log)
	gateway.RegisterDefaultHandlers(srv, gateway.HandlerDeps{
		Store:    db,
		Resolver: resolver,
		Tools:    registry,
		Bus:      bus,
		Logger:   log,
	})

	// 10. Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 11. Start scheduler
	if emailSched != nil {
		if err := emailSched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer emailSched.Stop()
	}

	// 12. Health endpoint with the standard HTTP middleware
	rateLimit := middleware.RateLimit(ctx, cfg.Gateway.RequestsPerMin, cfg.Gateway.BurstSize)
	healthz := rateLimit(middleware.SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})))
	srv.RegisterHTTPRoute("/healthz", healthz.ServeHTTP)

	log.Info("carely starting",
		"model", cfg.LLM.Model,
		"tools", len(registry.List()),
		"scheduler", cfg.Scheduler.Enabled,
		"addr", cfg.Gateway.Addr,
	)

	// 13. Serve (blocks until signal)
	return srv.Start(ctx)
}

// followUpBridge adapts the email scheduler to the tool-facing
// FollowUpScheduler interface: it composes the reminder message and
// announces the scheduled job on the bus.
type followUpBridge struct {
	sched *scheduling.EmailScheduler
	bus   domain.EventBus
}

func (b *followUpBridge) Schedule(ctx context.Context, details tool.FollowUpDetails, at time.Time) (string, error) {
	msg := tool.ComposeFollowUpEmail(details)
	jobID, err := b.sched.Schedule(ctx, msg.To, msg.Subject, msg.Body, at)
	if err != nil {
		return "", err
	}
	domain.PublishEvent(ctx, b.bus, domain.EventFollowUpScheduled, "", map[string]string{
		"job_id":  jobID,
		"send_at": at.UTC().Format(time.RFC3339),
	})
	return jobID, nil
}
