package transport

// Capabilities describes what a broker offers the document pipeline.
type Capabilities struct {
	Name string

	// SupportsAck and SupportsNack report explicit delivery settlement.
	// Without Nack, documents still waiting for a batch at shutdown are not
	// redelivered until the broker times them out.
	SupportsAck  bool
	SupportsNack bool

	// SupportsNativeDLQ tells operators the broker could route dead letters
	// itself. The consumer always publishes dead letters on its own.
	SupportsNativeDLQ bool

	// SupportsOrdering reports per-queue delivery order.
	SupportsOrdering bool

	// SupportsPriority reports broker-side message priorities. The pipeline
	// uses separate queues per class either way.
	SupportsPriority bool

	// SupportsTracing reports that message headers survive the round trip,
	// which keeps correlation ids and trace context intact.
	SupportsTracing bool

	// SupportsIntrospection reports queue depth, which drives batch sizing.
	SupportsIntrospection bool

	// SupportsProbe reports broker reachability for the health check.
	SupportsProbe bool

	// MaxMessageSize is the largest payload the broker accepts in bytes.
	// Zero means unlimited or unknown.
	MaxMessageSize int64
}

// SupportsAdaptiveSizing returns true if queue depth is available to the
// batch sizing controller. Without it the controller sees an empty queue and
// settles at the minimum batch size.
func (c Capabilities) SupportsAdaptiveSizing() bool {
	return c.SupportsIntrospection
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// AllowsPayload reports whether a document of size bytes fits the broker limit.
func (c Capabilities) AllowsPayload(size int) bool {
	return c.MaxMessageSize <= 0 || int64(size) <= c.MaxMessageSize
}

// Limitations lists the pipeline features degraded on this transport, in a
// form suitable for startup logs and the operator API.
func (c Capabilities) Limitations() []string {
	var out []string
	if !c.SupportsAck {
		out = append(out, "deliveries are not acknowledged; failed documents may be lost")
	}
	if c.SupportsAck && !c.SupportsNack {
		out = append(out, "no nack; documents pending at shutdown wait for the broker redelivery timeout")
	}
	if !c.SupportsIntrospection {
		out = append(out, "queue depth unavailable; batch size stays near the minimum")
	}
	if !c.SupportsProbe {
		out = append(out, "no broker probe; the health broker check always reports reachable")
	}
	return out
}

// Predefined capability sets for the bundled transports.
var (
	ChannelCapabilities = Capabilities{
		Name:                  "channel",
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsOrdering:      true,
		SupportsTracing:       true,
		SupportsIntrospection: true,
		SupportsProbe:         true,
	}

	KafkaCapabilities = Capabilities{
		Name:                  "kafka",
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsOrdering:      true,
		SupportsTracing:       true,
		SupportsIntrospection: true,
		SupportsProbe:         true,
		MaxMessageSize:        1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                  "rabbitmq",
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsNativeDLQ:     true,
		SupportsOrdering:      true,
		SupportsPriority:      true,
		SupportsTracing:       true,
		SupportsIntrospection: true,
		SupportsProbe:         true,
	}

	// NATS core delivers at most once.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		SupportsProbe:   true,
		MaxMessageSize:  1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:                  "aws",
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsNativeDLQ:     true,
		SupportsTracing:       true,
		SupportsIntrospection: true,
		MaxMessageSize:        256 << 10,
	}
)

// GetCapabilities returns the capabilities registered for transportName in
// the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
