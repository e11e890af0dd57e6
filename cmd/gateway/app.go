package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/openapigw/internal/auth/bearer"
	"github.com/vyrodovalexey/openapigw/internal/auth/signature"
	"github.com/vyrodovalexey/openapigw/internal/calllog"
	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/dispatch"
	"github.com/vyrodovalexey/openapigw/internal/lookup"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/pipeline"
	"github.com/vyrodovalexey/openapigw/internal/ratelimit"
	"github.com/vyrodovalexey/openapigw/internal/route"
	"github.com/vyrodovalexey/openapigw/internal/server"
	"github.com/vyrodovalexey/openapigw/internal/store"
)

const (
	metricsNamespace    = "openapigw"
	initialRefreshLimit = 30 * time.Second
	refreshTimeout      = 2 * time.Minute
	redisConnectTries   = 3
	redisConnectDelay   = 500 * time.Millisecond
)

// application holds every long-lived component of the gateway.
type application struct {
	config  *config.GatewayConfig
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	store       store.Store
	redisClient *redis.Client

	resolver  *route.Resolver
	listener  *route.ChangeListener
	refresher *route.Refresher

	credentials  *lookup.CredentialCache
	limiter      *ratelimit.Limiter
	routeLimiter *ratelimit.RouteLimiter
	services     *dispatch.ServiceResolver
	invoker      *dispatch.Invoker

	reporter  *calllog.Reporter
	retention *calllog.Retention

	pipeline *pipeline.Pipeline
	server   *server.Server
	watcher  *config.Watcher

	// overrides re-applies command-line settings to reloaded configuration.
	overrides func(*config.GatewayConfig)
}

// initApplication builds the component graph. Components that were
// created before a failure are released before returning.
func initApplication(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}
	if err := app.init(ctx); err != nil {
		app.release(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *application) init(ctx context.Context) error {
	cfg := a.config

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	if cfg.Metrics.Enabled {
		a.metrics = observability.NewMetrics(metricsNamespace)
		a.metrics.SetBuildInfo(version, gitCommit, buildTime)
	}

	if err := a.initTracer(); err != nil {
		return err
	}
	if err := a.initStore(ctx); err != nil {
		return err
	}
	if err := a.initRoutes(ctx); err != nil {
		return err
	}

	opts, err := a.authOptions()
	if err != nil {
		return err
	}
	opts = append(opts, pipeline.WithResolver(a.resolver))

	if cfg.RateLimit.Enabled {
		a.limiter, err = ratelimit.NewLimiter(a.store, cfg.RateLimit,
			ratelimit.WithLogger(a.logger),
			ratelimit.WithMetrics(a.metrics),
		)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		opts = append(opts, pipeline.WithLimiter(a.limiter))
	}
	a.routeLimiter = ratelimit.NewRouteLimiter()
	opts = append(opts, pipeline.WithRouteLimiter(a.routeLimiter))
	a.initListener()

	dispatcher, err := a.initDispatch()
	if err != nil {
		return err
	}
	opts = append(opts, pipeline.WithDispatcher(dispatcher), pipeline.WithRelay(dispatch.NewRelay(a.services,
		dispatch.WithRelayTimeout(cfg.Dispatch.DefaultTimeout.Duration()),
		dispatch.WithRelayLogger(a.logger),
		dispatch.WithRelayMetrics(a.metrics),
	)))

	if cfg.CallLog.Enabled {
		if err := a.initCallLog(); err != nil {
			return err
		}
		opts = append(opts, pipeline.WithCallReporter(a.reporter))
	}

	opts = append(opts, pipeline.WithLogger(a.logger), pipeline.WithMetrics(a.metrics))
	a.pipeline, err = pipeline.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	handlers, err := a.pipeline.Handlers()
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	a.server = server.New(cfg.Server, a.serverOptions(handlers)...)
	return nil
}

func (a *application) initTracer() error {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		Enabled:        a.config.Tracing.Enabled,
		ServiceName:    a.config.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   a.config.Tracing.OTLPEndpoint,
		SamplingRate:   a.config.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	a.tracer = tracer
	return nil
}

func (a *application) initStore(ctx context.Context) error {
	rc := a.config.Redis
	if !rc.Enabled {
		a.logger.Warn("redis disabled, using in-process store; state is not shared between instances")
		a.store = store.NewMemoryStore()
		return nil
	}

	rs, err := store.NewRedisStore(ctx, store.RedisConfig{
		Address:         rc.Address,
		Password:        rc.Password,
		DB:              rc.DB,
		Prefix:          rc.KeyPrefix,
		PoolSize:        rc.PoolSize,
		DialTimeout:     rc.DialTimeout.Duration(),
		ReadTimeout:     rc.ReadTimeout.Duration(),
		WriteTimeout:    rc.WriteTimeout.Duration(),
		ConnectAttempts: redisConnectTries,
		ConnectDelay:    redisConnectDelay,
	}, store.WithLogger(a.logger), store.WithMetrics(a.metrics))
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.store = rs
	a.redisClient = rs.Client()
	return nil
}

func (a *application) lookupOptions() []lookup.Option {
	return []lookup.Option{lookup.WithLogger(a.logger), lookup.WithMetrics(a.metrics)}
}

func (a *application) initRoutes(ctx context.Context) error {
	cfg := a.config
	if cfg.Remote.CatalogURL == "" {
		return fmt.Errorf("remote.catalogURL is required")
	}

	catalog := lookup.NewCatalogClient(cfg.Remote.CatalogURL, lookup.ClientConfigFrom(cfg.Remote), a.lookupOptions()...)
	a.resolver = route.NewResolver(catalog,
		route.WithCacheSize(cfg.Route.CacheSize),
		route.WithCacheTTL(cfg.Route.CacheTTL.Duration()),
		route.WithFetchTimeout(remoteFetchTimeout(cfg.Remote)),
		route.WithLogger(a.logger),
		route.WithMetrics(a.metrics),
	)

	refreshCtx, cancel := context.WithTimeout(ctx, initialRefreshLimit)
	defer cancel()
	if n, err := a.resolver.RefreshAll(refreshCtx); err != nil {
		a.logger.Warn("initial route load failed, routes will be fetched on demand", observability.Error(err))
	} else {
		a.logger.Info("routes loaded", observability.Int("routes", n))
	}

	refresher, err := route.NewRefresher(a.resolver, cfg.Route.RefreshSchedule, refreshTimeout, a.logger)
	if err != nil {
		return err
	}
	a.refresher = refresher
	return nil
}

// remoteFetchTimeout covers the two catalog calls of a route miss with
// every retry.
func remoteFetchTimeout(rc config.RemoteConfig) time.Duration {
	attempts := time.Duration(max(rc.RetryAttempts, 1))
	return 2 * attempts * (rc.Timeout.Duration() + rc.RetryDelay.Duration())
}

// initListener subscribes to route changes and, with appKey authentication,
// to application changes. It needs Redis.
func (a *application) initListener() {
	cfg := a.config
	if !cfg.Route.ListenChanges || a.redisClient == nil {
		return
	}
	opts := []route.ListenerOption{route.WithEvictHook(a.routeLimiter.Forget)}
	if a.credentials != nil {
		opts = append(opts, route.WithSubscription(cfg.AppKey.ChangeChannel, a.credentials.HandleAppChange))
	}
	a.listener = route.NewChangeListener(a.redisClient, cfg.Route.ChangeChannel, a.resolver, a.logger, opts...)
}

func (a *application) authOptions() ([]pipeline.Option, error) {
	cfg := a.config
	var opts []pipeline.Option

	if cfg.Tenant.Enabled {
		if cfg.Remote.TenantURL == "" {
			return nil, fmt.Errorf("remote.tenantURL is required when tenant validation is enabled")
		}
		client := lookup.NewTenantClient(cfg.Remote.TenantURL, lookup.ClientConfigFrom(cfg.Remote), a.lookupOptions()...)
		tenants := lookup.NewTenantValidator(client, a.store, cfg.Tenant.DefaultTenant, cfg.Tenant.CacheTTL.Duration(), a.logger)
		opts = append(opts, pipeline.WithTenants(tenants))
	}

	if cfg.JWT.Enabled {
		verifier, err := bearer.NewVerifier(cfg.JWT.Secret,
			bearer.WithIssuer(cfg.JWT.Issuer),
			bearer.WithLogger(a.logger),
			bearer.WithMetrics(a.metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create bearer verifier: %w", err)
		}
		opts = append(opts, pipeline.WithBearer(verifier))
	}

	if cfg.AppKey.Enabled {
		if cfg.Remote.RegistryURL == "" {
			return nil, fmt.Errorf("remote.registryURL is required when appKey authentication is enabled")
		}
		registry := lookup.NewRegistryClient(cfg.Remote.RegistryURL, lookup.ClientConfigFrom(cfg.Remote), a.lookupOptions()...)
		a.credentials = lookup.NewCredentialCache(registry, a.store, cfg.AppKey.CredentialCacheTTL.Duration(), a.logger)
		subscriptions := lookup.NewSubscriptionCache(registry, a.store, cfg.AppKey.SubscriptionCacheTTL.Duration(), a.logger)
		verifier := signature.NewVerifier(a.store, a.credentials, subscriptions,
			signature.WithTolerance(cfg.AppKey.TimestampTolerance.Duration()),
			signature.WithNonceTTL(cfg.AppKey.EffectiveNonceTTL()),
			signature.WithLogger(a.logger),
			signature.WithMetrics(a.metrics),
		)
		opts = append(opts, pipeline.WithSignature(verifier))
	}

	return opts, nil
}

func (a *application) initDispatch() (*dispatch.Dispatcher, error) {
	dc := a.config.Dispatch

	a.services = dispatch.NewServiceResolver(dc.Services)
	forwarder := dispatch.NewForwarder(a.services,
		dispatch.WithDefaultTimeout(dc.DefaultTimeout.Duration()),
		dispatch.WithMaxResponseBytes(dc.MaxResponseBytes),
		dispatch.WithForwarderLogger(a.logger),
	)

	invoker, err := dispatch.NewInvoker(dispatch.InvokerConfigFrom(dc.RPC),
		dispatch.WithInvokerLogger(a.logger),
		dispatch.WithInvokerMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc invoker: %w", err)
	}
	a.invoker = invoker

	cache := dispatch.NewResponseCache(a.store, dc.ResponseCacheTTL.Duration(), a.logger, a.metrics)
	return dispatch.New(forwarder, invoker,
		dispatch.WithResponseCache(cache),
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(a.metrics),
	), nil
}

func (a *application) initCallLog() error {
	cc := a.config.CallLog

	var sink calllog.Sink
	if a.redisClient != nil {
		sink = calllog.NewRedisSink(a.redisClient, cc.Channel)

		retention, err := calllog.NewRetention(a.redisClient, cc.RetentionSchedule, cc.RetainPerHour, a.logger)
		if err != nil {
			return err
		}
		a.retention = retention
	} else {
		sink = calllog.NewLogSink(a.logger.With(observability.String("component", "calllog")))
	}

	a.reporter = calllog.NewReporter(sink,
		calllog.WithQueueSize(cc.QueueSize),
		calllog.WithWorkers(cc.Workers),
		calllog.WithLogger(a.logger),
		calllog.WithMetrics(a.metrics),
	)
	return nil
}

func (a *application) serverOptions(handlers []gin.HandlerFunc) []server.Option {
	cfg := a.config
	opts := []server.Option{
		server.WithLogger(a.logger),
		server.WithPipeline(handlers),
		server.WithRouteAdmin(a.resolver),
		server.WithHealthCheck(server.NewHealthCheckFunc("store", a.store.Ping)),
		server.WithBuildInfo(server.BuildInfo{
			Name:      metricsNamespace,
			Version:   version,
			Commit:    gitCommit,
			BuildTime: buildTime,
		}),
	}
	if a.metrics != nil {
		opts = append(opts, server.WithMetrics(a.metrics, cfg.Metrics.Path))
	}
	if cfg.Tracing.Enabled {
		opts = append(opts, server.WithTracing(cfg.Tracing.ServiceName))
	}
	return opts
}

// run starts the background jobs and the listener, then blocks until a
// shutdown signal arrives.
func (a *application) run(ctx context.Context, configPath string) error {
	if a.listener != nil {
		if err := a.listener.Start(ctx); err != nil {
			a.logger.Warn("route change listener unavailable, relying on scheduled refresh",
				observability.Error(err))
			a.listener = nil
		}
	}
	a.refresher.Start()
	if a.retention != nil {
		a.retention.Start()
	}

	if err := a.server.Start(ctx); err != nil {
		a.logger.Error("failed to start server", observability.Error(err))
		a.release(context.Background())
		return err
	}

	if configPath != "" {
		a.watcher = a.startWatcher(ctx, configPath)
	}

	return a.waitForShutdown(ctx)
}
