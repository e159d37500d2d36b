// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/notification-dispatch/internal/cache"
	"github.com/bissquit/notification-dispatch/internal/config"
	"github.com/bissquit/notification-dispatch/internal/delivery"
	"github.com/bissquit/notification-dispatch/internal/delivery/email"
	"github.com/bissquit/notification-dispatch/internal/delivery/push"
	"github.com/bissquit/notification-dispatch/internal/delivery/sms"
	"github.com/bissquit/notification-dispatch/internal/dispatch"
	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/bissquit/notification-dispatch/internal/idempotency"
	"github.com/bissquit/notification-dispatch/internal/kv"
	"github.com/bissquit/notification-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/notification-dispatch/internal/pkg/httputil"
	"github.com/bissquit/notification-dispatch/internal/pkg/metrics"
	"github.com/bissquit/notification-dispatch/internal/pkg/postgres"
	"github.com/bissquit/notification-dispatch/internal/preferences"
	"github.com/bissquit/notification-dispatch/internal/queue"
	amqpqueue "github.com/bissquit/notification-dispatch/internal/queue/amqp"
	pgqueue "github.com/bissquit/notification-dispatch/internal/queue/postgres"
	"github.com/bissquit/notification-dispatch/internal/templates"
	"github.com/bissquit/notification-dispatch/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	store         kv.Store
	broker        queue.Broker
	pool          *delivery.Pool
	janitor       *delivery.Janitor
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	bgWG          sync.WaitGroup
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		bgCancel: bgCancel,
	}

	if err := app.init(bgCtx); err != nil {
		_ = app.closeBackends()
		bgCancel()
		return nil, err
	}

	return app, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.config

	store, err := a.setupStore(ctx)
	if err != nil {
		return err
	}
	a.store = store

	broker, err := a.setupBroker(ctx)
	if err != nil {
		return err
	}
	a.broker = broker

	prefCache, resolver, err := a.setupCollaborators(ctx)
	if err != nil {
		return err
	}

	ledger := idempotency.NewLedger(idempotency.Config{
		TTL:          cfg.Ledger.TTL,
		Timeout:      cfg.Ledger.Timeout,
		WaitTimeout:  cfg.Ledger.WaitTimeout,
		PollInterval: cfg.Ledger.PollInterval,
	}, store)

	coordinator := dispatch.NewCoordinator(dispatch.Config{
		PipelineTimeout: cfg.Dispatch.PipelineTimeout,
		RetryAttempts:   cfg.Dispatch.RetryAttempts,
		RetryInitial:    cfg.Dispatch.RetryInitial,
		RetryMax:        cfg.Dispatch.RetryMax,
		PublishTimeout:  cfg.Dispatch.PublishTimeout,
	}, ledger, prefCache, resolver, broker)

	deadLetters, _ := broker.(queue.DeadLetterStore)
	handler := dispatch.NewHandler(coordinator, prefCache, resolver, deadLetters)

	senders, err := a.setupSenders()
	if err != nil {
		return err
	}

	a.pool = delivery.NewPool(delivery.Config{
		BatchSize:     cfg.Workers.BatchSize,
		PollInterval:  cfg.Workers.PollInterval,
		SendTimeout:   cfg.Delivery.SendTimeout,
		SettleTimeout: cfg.Delivery.SettleTimeout,
		Concurrency: map[domain.Channel]int{
			domain.ChannelPush:  cfg.Workers.Push,
			domain.ChannelEmail: cfg.Workers.Email,
			domain.ChannelSMS:   cfg.Workers.SMS,
		},
		Retry: delivery.RetryPolicy{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			Base:        cfg.Delivery.BaseBackoff,
			Factor:      cfg.Delivery.BackoffFactor,
			Cap:         cfg.Delivery.MaxBackoff,
			Jitter:      cfg.Delivery.Jitter,
		},
	}, broker, senders...)

	if m, ok := broker.(delivery.Maintainer); ok && cfg.Janitor.Enabled {
		janitor, err := delivery.NewJanitor(delivery.JanitorConfig{
			RecoverSchedule:    cfg.Janitor.RecoverSchedule,
			PurgeSchedule:      cfg.Janitor.PurgeSchedule,
			StatsSchedule:      cfg.Janitor.StatsSchedule,
			DeliveredRetention: cfg.Janitor.DeliveredRetention,
		}, m)
		if err != nil {
			return fmt.Errorf("create janitor: %w", err)
		}
		a.janitor = janitor
	}

	a.pool.Start(ctx)
	if a.janitor != nil {
		a.janitor.Start()
	}

	if a.redis != nil && cfg.Cache.ListenPubSub {
		listener := cache.NewInvalidationListener(a.redis, map[string]cache.InvalidateFunc{
			cache.UserInvalidationChannel:     prefCache.Invalidate,
			cache.TemplateInvalidationChannel: resolver.Invalidate,
		})
		a.goBackground(func() {
			if err := listener.Run(ctx); err != nil {
				a.logger.Error("invalidation listener stopped", "error", err)
			}
		})
	}

	if a.db != nil {
		a.goBackground(func() { metrics.CollectDBPoolMetrics(ctx, a.db, 15*time.Second) })
	}

	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           a.setupRouter(handler),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	a.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return nil
}

func (a *App) setupStore(ctx context.Context) (kv.Store, error) {
	if a.config.Cache.Store != config.StoreRedis {
		a.logger.Info("using in-memory key-value store")
		return kv.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.config.Redis.Addr,
		Password: a.config.Redis.Password,
		DB:       a.config.Redis.DB,
	})
	a.redis = client

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	a.logger.Info("using redis key-value store", "addr", a.config.Redis.Addr)
	return kv.NewRedisStore(client, a.config.Redis.KeyPrefix), nil
}

func (a *App) setupBroker(ctx context.Context) (queue.Broker, error) {
	cfg := a.config

	switch cfg.Broker.Backend {
	case config.BackendPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
		defer cancel()

		db, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		return pgqueue.NewBroker(db, pgqueue.Config{Lease: cfg.Broker.Lease}), nil

	case config.BackendAMQP:
		broker, err := amqpqueue.Dial(amqpqueue.Config{
			URL:             cfg.AMQP.URL,
			Exchange:        cfg.AMQP.Exchange,
			DeadLetterQueue: cfg.AMQP.DeadLetterQueue,
			ConfirmTimeout:  cfg.AMQP.ConfirmTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to amqp: %w", err)
		}
		return broker, nil

	default:
		a.logger.Warn("using in-memory broker: jobs are lost on restart")
		return queue.NewMemoryBroker(), nil
	}
}

func (a *App) setupCollaborators(ctx context.Context) (*preferences.Cache, *templates.Resolver, error) {
	cfg := a.config

	var userSource preferences.Source
	var userFixtures *preferences.StaticSource
	if cfg.Users.BaseURL != "" {
		userSource = preferences.NewHTTPClient(preferences.ClientConfig{
			BaseURL:         cfg.Users.BaseURL,
			APIKey:          cfg.Users.APIKey,
			Timeout:         cfg.Users.Timeout,
			BreakerFailures: cfg.Users.BreakerFailures,
			BreakerCooldown: cfg.Users.BreakerCooldown,
		})
	} else {
		fx, err := LoadFixtures(cfg.Users.Fixtures)
		if err != nil {
			return nil, nil, fmt.Errorf("load user fixtures: %w", err)
		}
		a.logger.Warn("no user service configured, serving fixtures", "users", len(fx.Users))
		userFixtures = preferences.NewStaticSource(fx.Users...)
		userSource = userFixtures
	}

	var templateSource templates.Source
	var templateFixtures *templates.StaticSource
	if cfg.Templates.BaseURL != "" {
		templateSource = templates.NewHTTPClient(templates.ClientConfig{
			BaseURL:         cfg.Templates.BaseURL,
			APIKey:          cfg.Templates.APIKey,
			Timeout:         cfg.Templates.Timeout,
			BreakerFailures: cfg.Templates.BreakerFailures,
			BreakerCooldown: cfg.Templates.BreakerCooldown,
		})
	} else {
		fx, err := LoadFixtures(cfg.Templates.Fixtures)
		if err != nil {
			return nil, nil, fmt.Errorf("load template fixtures: %w", err)
		}
		a.logger.Warn("no template service configured, serving fixtures", "templates", len(fx.Templates))
		templateFixtures = templates.NewStaticSource(fx.Templates...)
		templateSource = templateFixtures
	}

	prefCache := preferences.NewCache(cache.Config{
		TTL:          cfg.Cache.PreferencesTTL,
		StoreTimeout: cfg.Cache.StoreTimeout,
		LoadTimeout:  cfg.Users.Timeout,
	}, a.store, userSource)

	resolver := templates.NewResolver(templates.ResolverConfig{
		Cache: cache.Config{
			TTL:          cfg.Cache.TemplatesTTL,
			StoreTimeout: cfg.Cache.StoreTimeout,
			LoadTimeout:  cfg.Templates.Timeout,
		},
		DefaultLocale: cfg.Templates.DefaultLocale,
	}, a.store, templateSource)

	if userFixtures != nil && cfg.Users.WatchFixtures && cfg.Users.Fixtures != "" {
		a.watchFixtures(ctx, cfg.Users.Fixtures, func(ctx context.Context, fx *Fixtures) {
			for _, u := range fx.Users {
				userFixtures.Put(u)
				if err := prefCache.Invalidate(ctx, u.UserID); err != nil {
					a.logger.Warn("failed to invalidate reloaded user", "user_id", u.UserID, "error", err)
				}
			}
		})
	}
	if templateFixtures != nil && cfg.Templates.WatchFixtures && cfg.Templates.Fixtures != "" {
		a.watchFixtures(ctx, cfg.Templates.Fixtures, func(ctx context.Context, fx *Fixtures) {
			for _, t := range fx.Templates {
				templateFixtures.Put(t)
				if err := resolver.Invalidate(ctx, t.Slug); err != nil {
					a.logger.Warn("failed to invalidate reloaded template", "slug", t.Slug, "error", err)
				}
			}
		})
	}

	return prefCache, resolver, nil
}

func (a *App) watchFixtures(ctx context.Context, path string, apply func(context.Context, *Fixtures)) {
	a.goBackground(func() {
		if err := WatchFixtures(ctx, path, apply); err != nil {
			a.logger.Error("fixtures watcher stopped", "path", path, "error", err)
		}
	})
}

func (a *App) setupSenders() ([]delivery.Sender, error) {
	s := a.config.Senders
	var senders []delivery.Sender

	if a.config.Workers.Email > 0 {
		emailSender, err := email.NewSender(email.Config{
			Enabled:      s.Email.Enabled,
			SMTPHost:     s.Email.SMTPHost,
			SMTPPort:     s.Email.SMTPPort,
			SMTPUser:     s.Email.SMTPUser,
			SMTPPassword: s.Email.SMTPPassword,
			FromAddress:  s.Email.FromAddress,
			RequireTLS:   s.Email.RequireTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("create email sender: %w", err)
		}
		if !s.Email.Enabled {
			a.logger.Warn("email sender is disabled: email jobs will be acknowledged without sending")
		}
		senders = append(senders, emailSender)
	}

	if a.config.Workers.Push > 0 {
		pushSender, err := push.NewSender(push.Config{
			Enabled:    s.Push.Enabled,
			GatewayURL: s.Push.GatewayURL,
			APIKey:     s.Push.APIKey,
			Timeout:    s.Push.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create push sender: %w", err)
		}
		if !s.Push.Enabled {
			a.logger.Warn("push sender is disabled: push jobs will be acknowledged without sending")
		}
		senders = append(senders, pushSender)
	}

	if a.config.Workers.SMS > 0 {
		smsSender, err := sms.NewSender(sms.Config{
			Enabled:       s.SMS.Enabled,
			AccountSID:    s.SMS.AccountSID,
			AuthToken:     s.SMS.AuthToken,
			FromNumber:    s.SMS.FromNumber,
			DefaultRegion: s.SMS.DefaultRegion,
		})
		if err != nil {
			return nil, fmt.Errorf("create sms sender: %w", err)
		}
		if !s.SMS.Enabled {
			a.logger.Warn("sms sender is disabled: sms jobs will be acknowledged without sending")
		}
		senders = append(senders, smsSender)
	}

	return senders, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"broker", a.config.Broker.Backend,
		"store", a.config.Cache.Store,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. Ingress stops first so no
// new jobs are published, then workers drain, then backends close.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.pool != nil {
		a.pool.Stop()
	}

	a.bgCancel()
	a.bgWG.Wait()

	if err := a.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a *App) closeBackends() error {
	var errs []error
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	return errors.Join(errs...)
}

func (a *App) goBackground(fn func()) {
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		fn()
	}()
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Broker returns the job broker. Used in tests to inspect published jobs.
func (a *App) Broker() queue.Broker {
	return a.broker
}

func (a *App) setupRouter(handler *dispatch.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httputil.CorrelationMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Group(func(r chi.Router) {
		if a.config.Auth.Enabled {
			r.Use(httputil.ClientAuthMiddleware(httputil.NewJWTValidator(a.config.Auth.Secret, a.config.Auth.Issuer)))
		} else {
			a.logger.Warn("client authentication is disabled")
		}

		r.Group(func(r chi.Router) {
			if a.config.RateLimit.Enabled {
				limiter := httputil.NewRateLimiter(a.config.RateLimit.RPS, a.config.RateLimit.Burst)
				r.Use(limiter.Middleware)
			}
			handler.RegisterRoutes(r)
		})

		handler.RegisterInternalRoutes(r)
		handler.RegisterAdminRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "component", "store", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	if p, ok := a.broker.(queue.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "component", "broker", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Broker unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Info())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
