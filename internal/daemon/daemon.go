// Package daemon wires the gateway components together and owns their
// lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harun/aosgate/internal/config"
	"github.com/harun/aosgate/internal/logger"
	"github.com/harun/aosgate/internal/metrics"
	"github.com/harun/aosgate/internal/notify"
	"github.com/harun/aosgate/internal/observability"
	"github.com/harun/aosgate/internal/tracing"
	"github.com/harun/aosgate/pkg/approval"
	"github.com/harun/aosgate/pkg/authz"
	"github.com/harun/aosgate/pkg/backend"
	"github.com/harun/aosgate/pkg/breaker"
	"github.com/harun/aosgate/pkg/cron"
	"github.com/harun/aosgate/pkg/dispatcher"
	"github.com/harun/aosgate/pkg/eventbus"
	"github.com/harun/aosgate/pkg/events"
	"github.com/harun/aosgate/pkg/gateway"
	"github.com/harun/aosgate/pkg/idempotency"
	"github.com/harun/aosgate/pkg/ratelimit"
	"github.com/harun/aosgate/pkg/store"
	"github.com/harun/aosgate/pkg/webhook"
)

const version = "0.1.0"

// Daemon represents the aosgate service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store      *store.Store
	redis      *redis.Client
	limiter    ratelimit.Limiter
	idem       idempotency.Store
	breaker    *breaker.CircuitBreaker
	erp        *backend.Guarded
	approvals  *approval.Gate
	bus        *eventbus.Bus
	roles      *authz.RoleMap
	authz      *authz.Gate
	registry   *dispatcher.Registry
	dispatcher *dispatcher.Dispatcher
	auditLog   *observability.LogSink

	// Services
	webhooks      *webhook.Engine
	scheduler     *cron.Scheduler
	metrics       *metrics.Metrics
	gatewayServer *gateway.Server
	metricsServer *http.Server
	metricsAddr   string
	roleWatcher   *authz.RoleMapWatcher
	notifier      *notify.Telegram

	lifecycle *LifecycleManager
	health    *healthCache

	unsubscribe []func()

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized")
		}
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		tracingEnabled: cfg.Tracing.Enabled,
		health:         &healthCache{},
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds the invocation pipeline bottom-up
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.Open(cfg.Database.Path, d.logger.Component("store"))
	if err != nil {
		return err
	}
	d.store = st
	d.logger.Info().Str("path", cfg.Database.Path).Msg("Store opened")

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		d.redis = redis.NewClient(opts)
	}

	limiter, err := d.newLimiter()
	if err != nil {
		return err
	}
	d.limiter = limiter
	d.logger.Info().
		Bool("enabled", cfg.RateLimit.Enabled).
		Str("backend", cfg.RateLimit.Backend).
		Int("requests_per_minute", cfg.RateLimit.RequestsPerMinute).
		Msg("Rate limiter initialized")

	if cfg.Idempotency.Backend == "redis" {
		if d.redis == nil {
			return fmt.Errorf("idempotency backend redis requires redis.url")
		}
		d.idem = idempotency.NewRedisStore(d.redis)
	} else {
		d.idem = idempotency.NewMemoryStore()
	}

	d.breaker = breaker.New(breaker.Options{
		Name:             "erp",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenDuration:     time.Duration(cfg.Breaker.OpenSeconds) * time.Second,
		CallTimeout:      time.Duration(cfg.Breaker.CallTimeoutSeconds) * time.Second,
		OnStateChange:    d.onBreakerStateChange,
	})

	var erp backend.Capability
	if cfg.Backend.Seed {
		erp = backend.NewSeededMemory()
	} else {
		erp = backend.NewMemory(cfg.Backend.Currency)
	}
	d.erp = backend.NewGuarded(erp, d.breaker)
	d.logger.Info().Str("kind", cfg.Backend.Kind).Bool("seed", cfg.Backend.Seed).Msg("ERP backend initialized")

	d.bus = eventbus.New(d.logger.Component("eventbus"))

	d.approvals = approval.NewGate(approval.Options{
		Threshold:      cfg.Approval.Threshold,
		DefaultTimeout: time.Duration(cfg.Approval.TimeoutMinutes) * time.Minute,
		ApproverRoles:  cfg.Approval.ApproverRoles,
		Logger:         d.logger.Component("approval"),
		OnRequest:      d.onApprovalRequest,
		OnDecision:     d.onApprovalDecision,
	})

	d.roles = authz.DefaultRoleMap()
	d.roles.Merge(cfg.Authorization.Tools)
	if path := cfg.Authorization.RoleMapFile; path != "" {
		if cfg.Authorization.Watch {
			watcher, err := authz.WatchRoleMap(d.roles, path, d.logger.GetZerolog())
			if err != nil {
				return fmt.Errorf("failed to watch role map: %w", err)
			}
			d.roleWatcher = watcher
		} else if err := authz.LoadRoleMapFile(d.roles, path); err != nil {
			return fmt.Errorf("failed to load role map: %w", err)
		}
		d.logger.Info().Str("path", path).Bool("watch", cfg.Authorization.Watch).Msg("Role map loaded")
	}
	d.authz = authz.NewGate(d.roles, d.logger.Component("authz"))

	var sink observability.Sink = d.store
	if cfg.Logging.AuditFile != "" {
		auditLog, err := observability.OpenLogSink(cfg.Logging.AuditFile)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		d.auditLog = auditLog
		sink = observability.MultiSink{d.store, auditLog}
	}

	if cfg.Webhook.Enabled {
		engine, err := webhook.NewEngine(webhook.Options{
			Repository: d.store,
			Workers:    cfg.Webhook.Workers,
			Timeout:    time.Duration(cfg.Webhook.Timeout) * time.Second,
			UserAgent:  cfg.Webhook.UserAgent,
			Logger:     d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create webhook engine: %w", err)
		}
		d.webhooks = engine
	}

	d.registry = dispatcher.NewRegistry()
	if err := dispatcher.RegisterERPTools(d.registry, d.erp, d.erp); err != nil {
		return fmt.Errorf("failed to register ERP tools: %w", err)
	}
	if err := dispatcher.RegisterAdminTools(d.registry, dispatcher.AdminDeps{
		Approvals: d.approvals,
		Webhooks:  d.webhooks,
		Audit:     d.store,
	}); err != nil {
		return fmt.Errorf("failed to register admin tools: %w", err)
	}

	disp, err := dispatcher.New(dispatcher.Options{
		Registry:       d.registry,
		Authz:          d.authz,
		Limiter:        d.limiter,
		Idempotency:    d.idem,
		IdempotencyTTL: cfg.Idempotency.TTL(),
		Approvals:      d.approvals,
		Bus:            d.bus,
		Audit:          sink,
		Logger:         d.logger.GetZerolog(),
	})
	if err != nil {
		return err
	}
	d.dispatcher = disp
	d.logger.Info().Int("tools", len(d.registry.List())).Msg("Dispatcher initialized")

	return nil
}

func (d *Daemon) newLimiter() (ratelimit.Limiter, error) {
	cfg := d.config.RateLimit
	if cfg.Enabled && cfg.Backend == "redis" {
		if d.redis == nil {
			return nil, fmt.Errorf("rate_limit backend redis requires redis.url")
		}
		return ratelimit.NewRedis(d.redis, cfg.RequestsPerMinute, time.Minute), nil
	}

	algorithm := ratelimit.AlgorithmWindow
	if cfg.Algorithm == "token_bucket" {
		algorithm = ratelimit.AlgorithmToken
	}
	return ratelimit.New(ratelimit.Options{
		Enabled:           cfg.Enabled,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Algorithm:         algorithm,
	})
}

// initializeServices creates the background jobs and listeners
func (d *Daemon) initializeServices() error {
	cfg := d.config

	d.scheduler = cron.NewScheduler(d.logger.GetZerolog())
	if err := d.registerJobs(); err != nil {
		return err
	}

	d.metrics = metrics.NewMetrics(d.probes())
	d.metrics.SetInfo(version, cfg.Backend.Kind)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		mux.Handle("/healthz", d.healthHandler())
		d.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	if cfg.Notify.Telegram.Enabled {
		notifier, err := notify.NewTelegram(cfg.Notify.Telegram, d.logger.GetZerolog())
		if err != nil {
			return fmt.Errorf("failed to create telegram notifier: %w", err)
		}
		d.notifier = notifier
	}

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Addr:          cfg.Gateway.Addr(),
			SharedSecret:  cfg.Gateway.SharedSecret,
			MaxConcurrent: cfg.Gateway.MaxConcurrent,
			Dispatcher:    d.dispatcher,
			Authz:         d.authz,
			Bus:           d.bus,
			Extra:         map[string]http.Handler{"/healthz": d.healthHandler()},
			Logger:        d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}

	return nil
}

func (d *Daemon) probes() metrics.Probes {
	probes := metrics.Probes{
		PendingApprovals: func() int { return len(d.approvals.List(approval.StatusPending)) },
		BreakerFailures:  func() int { return d.breaker.Snapshot().Failures },
		BackendUp:        d.health.healthy,
	}
	if mem, ok := d.idem.(*idempotency.MemoryStore); ok {
		probes.IdempotencyRecords = mem.Size
	}
	if sw, ok := d.limiter.(*ratelimit.SlidingWindow); ok {
		probes.RateLimitCallers = sw.Size
	}
	return probes
}

func (d *Daemon) onBreakerStateChange(name string, from, to breaker.State) {
	observability.SetBreakerState(name, int(to), to.String())
	d.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
}

func (d *Daemon) onApprovalRequest(ctx context.Context, pending approval.PendingApproval) {
	var amount float64
	if pending.Request.Amount != nil {
		amount = *pending.Request.Amount
	}
	eventbus.Publish[events.Event](ctx, d.bus, events.ApprovalRequested{
		ApprovalID:  pending.ID,
		RequestType: pending.Request.Type,
		Requester:   pending.Request.Requester,
		Description: pending.Request.Description,
		Amount:      amount,
		Currency:    pending.Request.Currency,
		ExpiresAt:   pending.ExpiresAt,
		OccurredAt:  pending.CreatedAt,
	})
}

func (d *Daemon) onApprovalDecision(ctx context.Context, decided approval.PendingApproval) {
	observability.RecordApprovalDecision(string(decided.Status))

	occurred := time.Now().UTC()
	if decided.DecidedAt != nil {
		occurred = *decided.DecidedAt
	}
	eventbus.Publish[events.Event](ctx, d.bus, events.ApprovalDecided{
		ApprovalID:  decided.ID,
		RequestType: decided.Request.Type,
		Requester:   decided.Request.Requester,
		Status:      string(decided.Status),
		ApproverID:  decided.ApproverID,
		Comment:     decided.Comment,
		OccurredAt:  occurred,
	})
}

// Start starts every service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewCorrelationID()).Logger()
	logger.Info().Str("version", version).Msg("Starting aosgate daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.markStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.webhooks != nil {
		if err := d.webhooks.Start(context.Background()); err != nil {
			d.markStopped()
			return fmt.Errorf("failed to start webhook engine: %w", err)
		}
		d.unsubscribe = append(d.unsubscribe, d.webhooks.Subscribe(d.bus))
		logger.Info().Int("workers", d.config.Webhook.Workers).Msg("Webhook engine started")
	}

	if d.notifier != nil {
		d.notifier.Start(context.Background())
		d.unsubscribe = append(d.unsubscribe, d.notifier.Subscribe(d.bus))
		logger.Info().Msg("Telegram notifier started")
	}

	d.unsubscribe = append(d.unsubscribe, eventbus.SubscribeAll(d.bus, func(ctx context.Context, event interface{}) error {
		if evt, ok := event.(events.Event); ok {
			logger.Debug().Str("event", evt.EventType()).Msg("Domain event published")
		}
		return nil
	}))

	d.scheduler.Start()
	logger.Info().Int("jobs", len(d.scheduler.Status())).Msg("Scheduler started")

	if d.metricsServer != nil {
		ln, err := net.Listen("tcp", d.config.Metrics.Addr())
		if err != nil {
			d.markStopped()
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		d.metricsAddr = ln.Addr().String()
		go func() {
			if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server error")
			}
		}()
		logger.Info().Str("addr", d.metricsAddr).Msg("Metrics server started")
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			d.markStopped()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops listeners first, then background work, then storage
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog()
	logger.Info().Msg("Stopping aosgate daemon")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}

	if err := d.scheduler.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop scheduler")
	}

	for _, unsubscribe := range d.unsubscribe {
		unsubscribe()
	}
	d.unsubscribe = nil

	if d.webhooks != nil {
		d.webhooks.Stop()
		logger.Info().Msg("Webhook engine stopped")
	}

	if d.notifier != nil {
		d.notifier.Stop()
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeCore()

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// closeCore releases storage and connections. Safe on a partially built daemon.
func (d *Daemon) closeCore() {
	logger := d.logger.GetZerolog()

	if d.roleWatcher != nil {
		if err := d.roleWatcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop role map watcher")
		}
		d.roleWatcher = nil
	}
	if d.limiter != nil {
		d.limiter.Stop()
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close redis client")
		}
		d.redis = nil
	}
	if d.auditLog != nil {
		if err := d.auditLog.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close audit log")
		}
		d.auditLog = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
		d.store = nil
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
}

// Status is a snapshot of the daemon
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Breaker   breaker.Snapshot
	Pending   int
	Jobs      []cron.JobStatus
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Breaker: d.breaker.Snapshot(),
		Pending: len(d.approvals.List(approval.StatusPending)),
		Jobs:    d.scheduler.Status(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetDispatcher returns the tool dispatcher
func (d *Daemon) GetDispatcher() *dispatcher.Dispatcher {
	return d.dispatcher
}

// GetApprovals returns the approval gate
func (d *Daemon) GetApprovals() *approval.Gate {
	return d.approvals
}

// GetWebhookEngine returns the webhook engine, nil when disabled
func (d *Daemon) GetWebhookEngine() *webhook.Engine {
	return d.webhooks
}

// GetBus returns the event bus
func (d *Daemon) GetBus() *eventbus.Bus {
	return d.bus
}

// GetScheduler returns the maintenance scheduler
func (d *Daemon) GetScheduler() *cron.Scheduler {
	return d.scheduler
}

// GatewayAddr returns the bound gateway address, empty when disabled
func (d *Daemon) GatewayAddr() string {
	if d.gatewayServer == nil {
		return ""
	}
	return d.gatewayServer.Addr()
}

// MetricsAddr returns the bound metrics address once started
func (d *Daemon) MetricsAddr() string {
	return d.metricsAddr
}
