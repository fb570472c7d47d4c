// Package docflow is the intake side of an EDI/XML document pipeline built on
// Watermill. Documents arrive on three priority queues (high, normal, low),
// each drained by its own worker pool. Every document is checked for the
// required headers, its interface is resolved, and its payload is validated
// against a versioned XML schema before it joins a batch. Batches are handed
// to a user supplied BatchProcessor; anything that cannot be processed is
// republished to the dead-letter queue with a reason of validation_error or
// processing_error and the original delivery is always acknowledged.
//
// A minimal setup fills Config, supplies a BatchProcessor in
// ServiceDependencies, creates a Service, and calls Start. Producers publish
// with Service.PublishDocument, which routes by Priority.
//
// # Transports
//
// The broker is chosen by Config.PubSubSystem:
//   - channel: in-memory Go channels for tests and local runs
//   - kafka: consumer groups over Sarama
//   - rabbitmq: durable AMQP queues
//   - aws: SNS/SQS with LocalStack support
//   - nats: core NATS subjects
//
// Custom brokers register a TransportBuilder with RegisterTransport or plug a
// whole TransportFactory into ServiceDependencies.
//
// # Batch sizing
//
// The batch size target moves between SizingMinBatchSize and
// SizingMaxBatchSize. Every SizingInterval the controller grows it when the
// normal queue is deeper than SizingQueueThreshold and CPU utilisation is
// below 70%, and shrinks it when CPU utilisation exceeds 80%.
//
// # Schemas
//
// Schemas are loaded lazily by version from a directory, S3, or Redis, cached
// after the first successful compile, and shared between concurrent loads of
// the same version. Payloads declaring a DOCTYPE or an external entity are
// rejected before parsing.
//
// # Operations
//
// Service.Health aggregates broker connectivity, circuit breaker state, worker
// occupancy, and recent errors into UP, WARNING, or DOWN. When enabled the
// operator API serves /health and /api/consumers, and /metrics exposes the
// Prometheus collectors. Processor middlewares (tracing, metrics, circuit
// breaker, timeout, panic recovery) wrap every batch and can be extended with
// MiddlewareRegistration. DocumentHooks observe the per-document lifecycle.
package docflow
