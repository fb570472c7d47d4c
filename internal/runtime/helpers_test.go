package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/docflow/internal/runtime/config"
	"github.com/drblury/docflow/internal/runtime/document"
	loggingpkg "github.com/drblury/docflow/internal/runtime/logging"
	"github.com/drblury/docflow/internal/runtime/metadata"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, err: err, fields: fields})
}

func (l *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return l }

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) Entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := make([]logEntry, len(l.entries))
	copy(clone, l.entries)
	return clone
}

func (l *recordingLogger) Messages(level string) []string {
	var out []string
	for _, e := range l.Entries() {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

type publishedMessage struct {
	topic string
	msg   *message.Message
}

type testPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, m := range messages {
		p.published = append(p.published, publishedMessage{topic: topic, msg: m})
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]publishedMessage, len(p.published))
	copy(clone, p.published)
	return clone
}

// testSubscriber hands out one channel per Subscribe call so tests can feed
// deliveries to individual intake subscriptions.
type testSubscriber struct {
	mu       sync.Mutex
	err      error
	channels map[string][]chan *message.Message
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = make(map[string][]chan *message.Message)
	}
	ch := make(chan *message.Message, 16)
	s.channels[topic] = append(s.channels[topic], ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

// Deliver sends msg on the first subscription opened for topic.
func (s *testSubscriber) Deliver(t *testing.T, topic string, msg *message.Message) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.channels[topic]) > 0
	}, time.Second, 5*time.Millisecond, "no subscription opened for %s", topic)

	s.mu.Lock()
	ch := s.channels[topic][0]
	s.mu.Unlock()
	ch <- msg
}

func (s *testSubscriber) Subscriptions(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[topic])
}

type recordingProcessor struct {
	mu      sync.Mutex
	batches []document.Batch
	err     error
}

func (p *recordingProcessor) ProcessBatch(_ context.Context, batch document.Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	return p.err
}

func (p *recordingProcessor) Batches() []document.Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]document.Batch, len(p.batches))
	copy(clone, p.batches)
	return clone
}

func newTestLogger() loggingpkg.ServiceLogger {
	return &recordingLogger{}
}

func newTestConfig() *configpkg.Config {
	conf := configpkg.Config{
		PubSubSystem:            "channel",
		ConsumerWorkersHigh:     1,
		ConsumerWorkersNormal:   1,
		ConsumerWorkersLow:      1,
		ConsumerIntakePerWorker: 2,
		ConsumerBatchLinger:     20 * time.Millisecond,
		SizingMinBatchSize:      1,
		SizingMaxBatchSize:      10,
	}.WithDefaults()
	return &conf
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	metrics := NewPipelineMetrics(prometheus.NewRegistry(), time.Minute)
	require.NoError(t, metrics.Register())
	return &Service{
		Conf:       newTestConfig(),
		Logger:     newTestLogger(),
		publisher:  &testPublisher{},
		subscriber: &testSubscriber{},
		metrics:    metrics,
	}
}

func validDocument(payload string) *message.Message {
	msg := message.NewMessage("msg-"+payload, []byte(payload))
	msg.Metadata = metadata.ToWatermill(metadata.New(
		metadata.KeyFileName, "invoice.xml",
		metadata.KeyInterfaceID, "orders-in",
		metadata.KeyClientID, "acme",
	))
	return msg
}

func waitAcked(t *testing.T, msg *message.Message) {
	t.Helper()
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		t.Fatalf("message %s was nacked", msg.UUID)
	case <-time.After(2 * time.Second):
		t.Fatalf("message %s was not acknowledged", msg.UUID)
	}
}

func waitNacked(t *testing.T, msg *message.Message) {
	t.Helper()
	select {
	case <-msg.Nacked():
	case <-msg.Acked():
		t.Fatalf("message %s was acked", msg.UUID)
	case <-time.After(2 * time.Second):
		t.Fatalf("message %s was not nacked", msg.UUID)
	}
}
