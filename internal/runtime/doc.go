/*
Package runtime implements the document intake pipeline behind docflow.

# Components

  - service.go: Service wiring. Builds the transport, schema cache, breaker,
    sizing controller, health reporter and operator HTTP servers, then runs
    one consumer per priority class.
  - consumer.go: drains a priority queue. Each delivery is validated,
    resolved and submitted to the class assembler; failures are routed to the
    dead-letter queue.
  - assembler.go: collects accepted documents into batches sized by the
    sizing state and hands them to the processor chain, bounded by the class
    worker count.
  - deadletter.go: dead-letter record construction and publishing.
  - middleware.go: BatchProcessor middlewares.
  - hooks.go: per-document lifecycle callbacks.
  - metrics.go, models.go: Prometheus collectors and the in-process
    statistics behind Snapshot.
  - publisher.go: producer helpers that route documents by priority.
  - api.go: /health, /api/consumers and /metrics.

# Sub-packages

  - breaker/: circuit breaker contract and the gobreaker Guard
  - config/: service configuration with defaults and validation
  - document/: domain types shared across the pipeline
  - errors/: sentinels and the failure taxonomy
  - health/: check registry and status aggregation
  - ids/: ULID generation
  - jsoncodec/: JSON encoding backed by sonic
  - logging/: ServiceLogger and adapters
  - metadata/: header map helpers
  - schema/: schema stores, cache and XML validation
  - sizing/: batch size state and controller
  - transport/: bridge between Config and the transport registry
*/
package runtime
