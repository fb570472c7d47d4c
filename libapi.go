package docflow

import (
	runtimepkg "github.com/drblury/docflow/internal/runtime"
	breakerpkg "github.com/drblury/docflow/internal/runtime/breaker"
	configpkg "github.com/drblury/docflow/internal/runtime/config"
	documentpkg "github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	healthpkg "github.com/drblury/docflow/internal/runtime/health"
	idspkg "github.com/drblury/docflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/docflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/docflow/internal/runtime/metadata"
	schemapkg "github.com/drblury/docflow/internal/runtime/schema"
	transportpkg "github.com/drblury/docflow/internal/runtime/transport"
	brokers "github.com/drblury/docflow/transport"
)

type (
	Config               = configpkg.Config
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	BatchProcessor        = runtimepkg.BatchProcessor
	BatchProcessorFunc    = runtimepkg.BatchProcessorFunc
	InterfaceResolver     = runtimepkg.InterfaceResolver
	InterfaceResolverFunc = runtimepkg.InterfaceResolverFunc

	Priority         = documentpkg.Priority
	Reason           = documentpkg.Reason
	Batch            = documentpkg.Batch
	InboundMessage   = documentpkg.InboundMessage
	InterfaceRef     = documentpkg.InterfaceRef
	ValidatedContent = documentpkg.ValidatedContent
	DeadLetterRecord = documentpkg.DeadLetterRecord

	ProcessorMiddleware    = runtimepkg.ProcessorMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	DocumentContext = runtimepkg.DocumentContext
	DocumentHooks   = runtimepkg.DocumentHooks

	Producer = runtimepkg.Producer
	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Snapshot        = runtimepkg.Snapshot
	ClassStats      = runtimepkg.ClassStats
	PipelineMetrics = runtimepkg.PipelineMetrics

	HealthReport   = healthpkg.Report
	HealthStatus   = healthpkg.Status
	CircuitBreaker = breakerpkg.CircuitBreaker
	BreakerFuncs   = breakerpkg.Funcs
	BreakerState   = breakerpkg.State

	SchemaStore     = schemapkg.Store
	SchemaStoreFunc = schemapkg.StoreFunc

	ConfigValidationError = errspkg.ConfigValidationError
	ValidationError       = errspkg.ValidationError
	ProcessingError       = errspkg.ProcessingError
	InfrastructureError   = errspkg.InfrastructureError

	Transport             = brokers.Transport
	TransportBuilder      = brokers.Builder
	TransportConfig       = brokers.Config
	TransportRegistry     = brokers.Registry
	TransportCapabilities = brokers.Capabilities
	QueueInspector        = brokers.QueueInspector
	BrokerProbe           = brokers.BrokerProbe
)

const (
	PriorityHigh   = documentpkg.PriorityHigh
	PriorityNormal = documentpkg.PriorityNormal
	PriorityLow    = documentpkg.PriorityLow

	ReasonValidation = documentpkg.ReasonValidation
	ReasonProcessing = documentpkg.ReasonProcessing

	HealthUp      = healthpkg.StatusUp
	HealthWarning = healthpkg.StatusWarning
	HealthDown    = healthpkg.StatusDown

	BreakerClosed   = breakerpkg.StateClosed
	BreakerOpen     = breakerpkg.StateOpen
	BreakerHalfOpen = breakerpkg.StateHalfOpen
)

// Header keys read from inbound documents and written to dead letters.
const (
	MetadataKeyFileName      = metadatapkg.KeyFileName
	MetadataKeyInterfaceID   = metadatapkg.KeyInterfaceID
	MetadataKeyClientID      = metadatapkg.KeyClientID
	MetadataKeyPriority      = metadatapkg.KeyPriority
	MetadataKeySchemaVersion = metadatapkg.KeySchemaVersion
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID

	MetadataKeyDeadLetterReason = metadatapkg.KeyDeadLetterReason
	MetadataKeyDeadLetterError  = metadatapkg.KeyDeadLetterError
	MetadataKeyDeadLetterID     = metadatapkg.KeyDeadLetterID
	MetadataKeyOriginalQueue    = metadatapkg.KeyOriginalQueue
	MetadataKeyFailedAt         = metadatapkg.KeyFailedAt
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	ParsePriority  = documentpkg.ParsePriority
	Priorities     = documentpkg.Priorities

	DefaultMiddlewares       = runtimepkg.DefaultMiddlewares
	TracerMiddleware         = runtimepkg.TracerMiddleware
	MetricsMiddleware        = runtimepkg.MetricsMiddleware
	LogBatchesMiddleware     = runtimepkg.LogBatchesMiddleware
	CircuitBreakerMiddleware = runtimepkg.CircuitBreakerMiddleware
	TimeoutMiddleware        = runtimepkg.TimeoutMiddleware
	RecovererMiddleware      = runtimepkg.RecovererMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewDocumentMessage  = runtimepkg.NewDocumentMessage
	PublishDocument     = runtimepkg.PublishDocument
	NewDeadLetterRecord = runtimepkg.NewDeadLetterRecord
	DeadLetterMessage   = runtimepkg.DeadLetterMessage

	NewDirStore    = schemapkg.NewDirStore
	NewMemoryStore = schemapkg.NewMemoryStore
	NewS3Store     = schemapkg.NewS3Store
	NewRedisStore  = schemapkg.NewRedisStore

	DefaultTransportRegistry = brokers.DefaultRegistry
	RegisterTransport        = brokers.Register
	BuildTransport           = brokers.Build
	GetCapabilities          = brokers.GetCapabilities
	NewTransportFactory      = transportpkg.NewFactory

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrProcessorRequired = errspkg.ErrProcessorRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrUnknownPriority   = errspkg.ErrUnknownPriority
	ErrPayloadTooLarge   = errspkg.ErrPayloadTooLarge
	ErrUnknownTransport  = brokers.ErrUnknownTransport
	ErrInterfaceNotFound = errspkg.ErrInterfaceNotFound
	ErrSchemaNotFound    = errspkg.ErrSchemaNotFound
	ErrValidation        = errspkg.ErrValidation
	ErrProcessing        = errspkg.ErrProcessing
	ErrBreakerOpen       = breakerpkg.ErrOpen
	NewValidationError   = errspkg.NewValidationError

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger   = loggingpkg.NewZerologServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID
)
