package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"datapilot/internal/adapter/executor"
	"datapilot/internal/adapter/store"
	"datapilot/internal/adapter/tool"
	"datapilot/internal/domain"
	"datapilot/internal/infra/config"
	"datapilot/internal/infra/logger"
	"datapilot/internal/infra/middleware"
	"datapilot/internal/infra/tracer"
	"datapilot/internal/security"
	"datapilot/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		if os.Args[i] == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(os.Args[i], "--config=") {
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Audit sink
	var audit domain.AuditLogger
	if cfg.Audit.Enabled {
		fileAudit, err := security.NewFileAuditLogger(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		defer fileAudit.Close()
		audit = fileAudit
	}

	// 4. Shared Redis client, only when a store needs it
	var rdb *redis.Client
	if cfg.Plans.Backend == "redis" || cfg.State.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	// 5. Plan store and service
	planTTL, err := config.Duration(cfg.Plans.TTL, 5*time.Minute)
	if err != nil {
		return err
	}
	planStore, planStoreClose, err := buildPlanStore(cfg, rdb)
	if err != nil {
		return fmt.Errorf("plan store: %w", err)
	}
	defer planStoreClose()

	plans := usecase.NewPlanService(planStore, planTTL, log, audit)
	sweepInterval, err := config.Duration(cfg.Plans.SweepInterval, time.Minute)
	if err != nil {
		return err
	}
	go plans.SweepLoop(ctx, sweepInterval)

	// 6. Conversation state store
	stateTTL, err := config.Duration(cfg.State.TTL, 30*time.Minute)
	if err != nil {
		return err
	}
	var states usecase.StateStore
	if cfg.State.Backend == "redis" {
		states = store.NewRedisStateStore(rdb, stateTTL, !cfg.State.Fixed)
	} else {
		states = usecase.NewMemoryStateStore(stateTTL, !cfg.State.Fixed)
	}

	// 7. Backend executor behind the circuit breaker
	sqlExec, err := executor.NewSQLExecutor(cfg.Data.SQLitePath, backendStatements())
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	defer sqlExec.Close()
	backend := executor.NewCircuitBreakerExecutor(sqlExec, executor.CircuitBreakerConfig{}, log)

	// 8. Tool registry
	registry := tool.NewRegistry()
	if err := tool.NewCatalog(backend, plans).RegisterAll(registry); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	if err := config.CrossCheckRegistry(cfg, registry.IsWhitelisted); err != nil {
		return err
	}

	// 9. Guardrails
	window, err := config.Duration(cfg.Limits.Window, 60*time.Second)
	if err != nil {
		return err
	}
	blockDuration, err := config.Duration(cfg.Limits.BlockDuration, 5*time.Minute)
	if err != nil {
		return err
	}
	limiter := usecase.NewCallerLimiter(usecase.LimiterConfig{
		Limit:         cfg.Limits.RequestsPerWindow,
		Window:        window,
		BlockDuration: blockDuration,
	})

	dispatcher := usecase.NewDispatcher(usecase.DispatcherDeps{
		Registry: registry,
		Policy:   usecase.NewAccessPolicy(cfg.Tools.Roles, cfg.Tools.WriteRoles),
		Limiter:  limiter,
		Filters:  usecase.NewFilterCatalog(filterDecls(cfg.Tools.Resources)),
		States:   states,
		Logger:   log,
		Audit:    audit,
	})

	guardCfg := usecase.GuardConfig{
		MaxCalls:   cfg.Breaker.MaxCalls,
		MaxRepeats: cfg.Breaker.MaxRepeats,
	}
	// Guards are shared across the requests of one turn so the ceilings
	// accumulate per turn, not per transport request.
	guards := usecase.NewGuardPool(guardCfg, 5*time.Minute)

	// 10. HTTP surface behind the admission middleware
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/tools", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, registry.Schemas())
	})
	mux.HandleFunc("POST /v1/dispatch", dispatchHandler(dispatcher, guards, guardCfg))

	handler := middleware.SecurityHeaders(
		middleware.RateLimit(ctx, cfg.HTTP.RequestsPerMin, cfg.HTTP.Burst)(mux))

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("datapilot listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func filterDecls(resources map[string]config.ResourceConfig) map[string]usecase.ResourceFilters {
	out := make(map[string]usecase.ResourceFilters, len(resources))
	for name, rc := range resources {
		out[name] = usecase.ResourceFilters{Canonical: rc.Canonical, Aliases: rc.Aliases}
	}
	return out
}

func buildPlanStore(cfg *config.Config, rdb *redis.Client) (usecase.PlanStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Plans.Backend {
	case "sqlite":
		s, err := store.NewSQLitePlanStore(cfg.Plans.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		return store.NewRedisPlanStore(rdb), noop, nil
	default:
		return usecase.NewMemoryPlanStore(), noop, nil
	}
}

// backendStatements maps the catalog's stored-procedure names onto SQL. The
// executor rejects any argument a statement does not bind.
func backendStatements() map[string]executor.Statement {
	return map[string]executor.Statement{
		"sp_search_products": {
			SQL: `SELECT id, name, category, season, brand, color, price
				FROM products
				WHERE tenant_id = @tenant_id
				  AND (@query = '' OR name LIKE '%' || @query || '%')
				  AND (json_extract(@filters_json, '$.category') IS NULL OR category = json_extract(@filters_json, '$.category'))
				  AND (json_extract(@filters_json, '$.season') IS NULL OR season = json_extract(@filters_json, '$.season'))
				  AND (json_extract(@filters_json, '$.brand') IS NULL OR brand = json_extract(@filters_json, '$.brand'))
				  AND (json_extract(@filters_json, '$.color') IS NULL OR color = json_extract(@filters_json, '$.color'))
				ORDER BY id
				LIMIT @page_size OFFSET (@page - 1) * @page_size`,
			Params: []string{"tenant_id", "query", "filters_json", "page", "page_size"},
		},
		"sp_get_order_status": {
			SQL: `SELECT id, status, placed_at, updated_at
				FROM orders
				WHERE tenant_id = @tenant_id AND id = @order_id AND @filters_json IS NOT NULL`,
			Params: []string{"tenant_id", "order_id", "filters_json"},
		},
		"sp_update_price": {
			SQL:    `UPDATE products SET price = @new_price WHERE tenant_id = @tenant_id AND id = @product_id`,
			Params: []string{"tenant_id", "product_id", "new_price"},
			Write:  true,
		},
	}
}

// dispatchRequest is the transport payload for one proposed tool call.
// Caller identity comes from the trusted frontend, not from the model.
// TurnID groups the calls of one orchestration turn; calls sharing a turn
// share the invocation-breaker budget.
type dispatchRequest struct {
	TenantID       string         `json:"tenantId"`
	UserID         string         `json:"userId"`
	Roles          []string       `json:"roles"`
	ConversationID string         `json:"conversationId"`
	TurnID         string         `json:"turnId"`
	Language       string         `json:"language"`
	Tool           string         `json:"tool"`
	Arguments      map[string]any `json:"arguments"`
}

func dispatchHandler(d *usecase.Dispatcher, guards *usecase.GuardPool, guardCfg usecase.GuardConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.TenantID == "" || req.UserID == "" || req.Tool == "" {
			http.Error(w, "tenantId, userId, and tool are required", http.StatusBadRequest)
			return
		}

		ec := domain.NewExecContext(req.TenantID, req.UserID, domain.StringsToRoles(req.Roles), req.ConversationID)
		ec.Language = req.Language

		var guard *usecase.InvocationGuard
		if req.TurnID != "" {
			guard = guards.Acquire(req.TenantID + "|" + req.ConversationID + "|" + req.TurnID)
		} else {
			// No turn id: the call is its own turn.
			guard = usecase.NewInvocationGuard(guardCfg)
		}
		env := d.Dispatch(r.Context(), ec, guard, domain.ToolCall{
			ID:        domain.NewID(),
			Name:      req.Tool,
			Arguments: req.Arguments,
		})
		writeJSON(w, http.StatusOK, env)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
