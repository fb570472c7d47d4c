package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/docflow/internal/runtime/breaker"
	configpkg "github.com/drblury/docflow/internal/runtime/config"
	"github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	"github.com/drblury/docflow/internal/runtime/health"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	"github.com/drblury/docflow/internal/runtime/schema"
	"github.com/drblury/docflow/internal/runtime/sizing"
	transportpkg "github.com/drblury/docflow/internal/runtime/transport"
	brokers "github.com/drblury/docflow/transport"
	awstransport "github.com/drblury/docflow/transport/aws"
)

// Overridable for tests.
var (
	newS3Client = func(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger) (*s3.Client, error) {
		awsCfg, err := awstransport.LoadConfig(ctx, conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, err
		}
		return s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
			o.UsePathStyle = conf.AWSEndpoint != ""
		}), nil
	}
	newRedisStore = func(ctx context.Context, conf *configpkg.Config) (schema.Store, func() error, error) {
		client, err := schema.NewRedisClient(ctx, schema.RedisConfig{
			Addr:     conf.SchemaRedisAddr,
			Password: conf.SchemaRedisPassword,
			DB:       conf.SchemaRedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return schema.NewRedisStore(client, conf.SchemaRedisPrefix), client.Close, nil
	}
)

const shutdownTimeout = 5 * time.Second

// ServiceDependencies holds the collaborators that the Service uses.
// Processor is required; leave the other fields nil to use the defaults.
type ServiceDependencies struct {
	// Processor transforms and persists assembled batches.
	Processor BatchProcessor
	// InterfaceResolver looks up the interface configuration of a document.
	// When nil the interface reference is built from the headers alone.
	InterfaceResolver InterfaceResolver
	// SchemaStore overrides the store selected by Config.SchemaSource.
	SchemaStore schema.Store
	// LoadSource overrides the runtime CPU sampler used by the sizing controller.
	LoadSource sizing.LoadSource
	// CircuitBreaker exposes an externally owned breaker to the health
	// reporter. It is ignored when Config.BreakerEnabled is set.
	CircuitBreaker            breaker.CircuitBreaker
	Hooks                     DocumentHooks
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	// MetricsRegistry receives the pipeline collectors. A private registry
	// with the Go and process collectors is created when nil.
	MetricsRegistry *prometheus.Registry
}

// Service wires the broker clients, the per-priority consumers, the sizing
// controller and the operator endpoints.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  brokers.Transport
	caps       brokers.Capabilities
	publisher  message.Publisher
	subscriber message.Subscriber

	processor BatchProcessor
	resolver  InterfaceResolver
	hooks     DocumentHooks

	middlewares   []ProcessorMiddleware
	middlewaresMu sync.Mutex

	registry  *prometheus.Registry
	metrics   *PipelineMetrics
	health    *health.Reporter
	guard     *breaker.Guard
	breaker   breaker.CircuitBreaker
	cache     *schema.Cache
	validator *schema.Validator
	batchSize *sizing.State
	sizer     *sizing.Controller

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closers   []func() error
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. It panics
// when the service cannot be built; use TryNewService to handle the error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service, returning an error instead of panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Processor == nil {
		return nil, errspkg.ErrProcessorRequired
	}

	effective := conf.WithDefaults()
	if err := effective.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	conf = &effective

	log.Info("Creating document service", loggingpkg.LogFields{
		"pubsub_system": transportpkg.Name(conf),
		"config":        conf,
	})

	s := &Service{
		Conf:      conf,
		Logger:    log,
		processor: deps.Processor,
		resolver:  deps.InterfaceResolver,
		hooks:     deps.Hooks,
		breaker:   deps.CircuitBreaker,
		health:    health.NewReporter(0),
		batchSize: sizing.NewState(conf.SizingMinBatchSize, conf.SizingMaxBatchSize),
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, err
	}
	s.transport = tr
	s.caps = transportpkg.Capabilities(conf)
	s.publisher = tr.Publisher
	s.subscriber = tr.Subscriber
	for _, limitation := range s.caps.Limitations() {
		log.Info("Transport limitation", loggingpkg.LogFields{
			"pubsub_system": s.caps.Name,
			"limitation":    limitation,
		})
	}

	if err := s.init(ctx, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) init(ctx context.Context, deps ServiceDependencies) error {
	conf := s.Conf

	s.registry = deps.MetricsRegistry
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = NewPipelineMetrics(s.registry, conf.HealthErrorWindow)
	if err := s.metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store, err := s.schemaStore(ctx, deps)
	if err != nil {
		return err
	}
	if store != nil {
		s.cache = schema.NewCache(store, schema.WithLoadObserver(s.metrics.RecordSchemaLoad))
	}
	s.validator = schema.NewValidator(s.cache)

	if conf.BreakerEnabled {
		s.guard = breaker.NewGuard(breaker.Settings{
			Name:             conf.BreakerName,
			FailureThreshold: conf.BreakerFailureThreshold,
			OpenTimeout:      conf.BreakerOpenTimeout,
			HalfOpenRequests: conf.BreakerHalfOpenRequests,
			OnStateChange: func(name string, from, to breaker.State) {
				s.Logger.Info("Circuit breaker state changed", loggingpkg.LogFields{
					"breaker": name,
					"from":    string(from),
					"to":      string(to),
				})
				s.metrics.RecordBreakerState(to)
			},
		})
		s.breaker = s.guard
	}

	load := deps.LoadSource
	if load == nil {
		load = sizing.NewRuntimeLoad()
	}
	var depth sizing.DepthSource
	if s.transport.Inspector != nil {
		depth = s.transport.Inspector
	}
	s.sizer, err = sizing.NewController(sizing.ControllerConfig{
		State: s.batchSize,
		Params: sizing.Params{
			Min:       conf.SizingMinBatchSize,
			Max:       conf.SizingMaxBatchSize,
			Threshold: conf.SizingQueueThreshold,
			Step:      conf.SizingAdjustmentStep,
		},
		Queue:    conf.SizingQueue,
		Interval: conf.SizingInterval,
		Depth:    depth,
		Load:     load,
		Recorder: s.metrics,
		Logger:   s.Logger,
	})
	if err != nil {
		return err
	}

	s.registerHealthChecks()

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}
	s.registerOperatorAPI()
	return nil
}

func (s *Service) schemaStore(ctx context.Context, deps ServiceDependencies) (schema.Store, error) {
	if deps.SchemaStore != nil {
		return deps.SchemaStore, nil
	}

	conf := s.Conf
	switch strings.ToLower(conf.SchemaSource) {
	case configpkg.SchemaSourceDir:
		return schema.NewDirStore(conf.SchemaDir), nil
	case configpkg.SchemaSourceS3:
		client, err := newS3Client(ctx, conf, s.Logger)
		if err != nil {
			return nil, fmt.Errorf("schema s3 client: %w", err)
		}
		return schema.NewS3Store(client, conf.SchemaS3Bucket, conf.SchemaS3Prefix), nil
	case configpkg.SchemaSourceRedis:
		store, closeFn, err := newRedisStore(ctx, conf)
		if err != nil {
			return nil, fmt.Errorf("schema redis store: %w", err)
		}
		if closeFn != nil {
			s.closers = append(s.closers, closeFn)
		}
		return store, nil
	default:
		return nil, nil
	}
}

func (s *Service) registerHealthChecks() {
	var probe health.Pinger
	if s.transport.Probe != nil {
		probe = s.transport.Probe
	}
	s.health.Register("broker", health.Critical, health.BrokerCheck(probe))
	s.health.Register("circuit_breaker", health.Critical, health.BreakerCheck(s.breaker))
	s.health.Register("worker_pool", health.Advisory, health.PoolCheck(s.metrics.PoolOccupancy))
	s.health.Register("recent_errors", health.Advisory, health.ErrorCheck(s.metrics.RecentErrors))
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Start runs the operator HTTP servers, the sizing controller and one
// consumer per priority class until ctx is cancelled. Documents still
// waiting for a batch are returned to the broker before Start returns.
// Start may only be called once.
func (s *Service) Start(ctx context.Context) error {
	err := errors.New("docflow: service already started")
	s.startOnce.Do(func() {
		err = s.run(ctx)
	})
	return err
}

func (s *Service) run(ctx context.Context) error {
	s.middlewaresMu.Lock()
	processor := chainProcessor(s.processor, s.middlewares)
	s.middlewaresMu.Unlock()

	consumers := make([]*consumer, 0, len(document.Priorities))
	for _, p := range document.Priorities {
		c, err := newConsumer(s.consumerConfig(p, processor))
		if err != nil {
			return err
		}
		consumers = append(consumers, c)
	}

	servers := s.startHTTPServers()
	defer s.stopHTTPServers(servers)

	s.Logger.Info("Starting document service", loggingpkg.LogFields{
		"queues":      []string{s.Conf.QueueHigh, s.Conf.QueueNormal, s.Conf.QueueLow},
		"dead_letter": s.Conf.DeadLetterQueue,
		"batch_size":  s.batchSize.Load(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sizer.Run(gctx)
	})
	for _, c := range consumers {
		g.Go(func() error {
			return c.Run(gctx)
		})
	}

	err := g.Wait()
	s.Logger.Info("Document service stopped", nil)
	return err
}

func (s *Service) consumerConfig(priority document.Priority, processor BatchProcessor) consumerConfig {
	conf := s.Conf
	cfg := consumerConfig{
		Priority:                priority,
		IntakePerWorker:         conf.ConsumerIntakePerWorker,
		Linger:                  conf.ConsumerBatchLinger,
		DeadLetterQueue:         conf.DeadLetterQueue,
		DefaultSchemaVersion:    conf.SchemaDefaultVersion,
		NackOnDeadLetterFailure: conf.ConsumerNackOnDeadLetterFailure,
		Subscriber:              s.subscriber,
		Publisher:               s.publisher,
		Processor:               processor,
		Validator:               s.validator,
		Resolver:                s.resolver,
		BatchSize:               s.batchSize,
		Metrics:                 s.metrics,
		Hooks:                   s.hooks,
		Logger:                  s.Logger,
	}
	switch priority {
	case document.PriorityHigh:
		cfg.Queue, cfg.Workers = conf.QueueHigh, conf.ConsumerWorkersHigh
	case document.PriorityNormal:
		cfg.Queue, cfg.Workers = conf.QueueNormal, conf.ConsumerWorkersNormal
	case document.PriorityLow:
		cfg.Queue, cfg.Workers = conf.QueueLow, conf.ConsumerWorkersLow
	}
	return cfg
}

// Close releases the broker clients and schema store connections. It is
// safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		errs := []error{s.transport.Shutdown()}
		for _, closeFn := range s.closers {
			errs = append(errs, closeFn())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Health runs every health check and returns the aggregate report.
func (s *Service) Health(ctx context.Context) health.Report {
	return s.health.Report(ctx)
}

// BatchSize returns the current target batch size.
func (s *Service) BatchSize() int {
	return s.batchSize.Load()
}

// Metrics returns the pipeline metrics.
func (s *Service) Metrics() *PipelineMetrics {
	return s.metrics
}

// Snapshot returns the operator view of the pipeline.
func (s *Service) Snapshot() Snapshot {
	snap := s.metrics.Snapshot()
	snap.Transport = transportpkg.Name(s.Conf)
	snap.TargetBatchSize = s.batchSize.Load()
	snap.MinBatchSize, snap.MaxBatchSize = s.batchSize.Bounds()
	snap.DeadLetterQueue = s.Conf.DeadLetterQueue
	snap.TransportLimitations = s.caps.Limitations()
	if s.cache != nil {
		snap.SchemaVersions = s.cache.Versions()
	}
	if s.breaker != nil {
		snap.CircuitBreaker = string(s.breaker.State())
	}
	return snap
}

// RegisterHTTPHandler mounts handler on the server listening on port.
// Handlers must be registered before Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() []*http.Server {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	return servers
}

func (s *Service) stopHTTPServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
}
