package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/docflow/internal/runtime/document"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
	"github.com/drblury/docflow/internal/runtime/metadata"
	brokers "github.com/drblury/docflow/transport"
)

func TestNewDocumentMessage(t *testing.T) {
	headers := metadata.New(metadata.KeyFileName, "po.xml")
	msg := NewDocumentMessage([]byte("<po/>"), headers)

	assert.NotEmpty(t, msg.UUID)
	assert.Equal(t, msg.UUID, msg.Metadata.Get(metadata.KeyCorrelationID))
	assert.Equal(t, "po.xml", msg.Metadata.Get(metadata.KeyFileName))
	assert.Empty(t, headers[metadata.KeyCorrelationID], "input headers are not modified")

	kept := NewDocumentMessage([]byte("<po/>"), metadata.New(metadata.KeyCorrelationID, "corr-1"))
	assert.Equal(t, "corr-1", kept.Metadata.Get(metadata.KeyCorrelationID))
}

func TestPublishDocumentValidation(t *testing.T) {
	assert.ErrorIs(t, PublishDocument(context.Background(), nil, "q", nil, nil), errspkg.ErrPublisherRequired)
	assert.ErrorIs(t, PublishDocument(context.Background(), &testPublisher{}, "", nil, nil), errspkg.ErrTopicRequired)

	pub := &testPublisher{err: errors.New("broker gone")}
	assert.EqualError(t, PublishDocument(context.Background(), pub, "q", []byte("x"), nil), "broker gone")
}

func TestServicePublishDocumentRoutesByPriority(t *testing.T) {
	s := newTestService(t)
	pub := s.publisher.(*testPublisher)

	for _, p := range document.Priorities {
		require.NoError(t, s.PublishDocument(context.Background(), p, []byte("<po/>"), metadata.New(metadata.KeyFileName, "po.xml")))
	}

	published := pub.Messages()
	require.Len(t, published, 3)
	assert.Equal(t, s.Conf.QueueHigh, published[0].topic)
	assert.Equal(t, s.Conf.QueueNormal, published[1].topic)
	assert.Equal(t, s.Conf.QueueLow, published[2].topic)
	assert.Equal(t, "low", published[2].msg.Metadata.Get(metadata.KeyPriority))
}

func TestServicePublishDocumentUnknownPriority(t *testing.T) {
	s := newTestService(t)
	err := s.PublishDocument(context.Background(), document.Priority("urgent"), []byte("x"), nil)
	assert.ErrorIs(t, err, errspkg.ErrUnknownPriority)

	var nilService *Service
	assert.EqualError(t, nilService.PublishDocument(context.Background(), document.PriorityHigh, nil, nil), "document service is nil")
}

func TestServicePublishDocumentRespectsTransportLimit(t *testing.T) {
	s := newTestService(t)
	s.caps = brokers.Capabilities{Name: "tiny", MaxMessageSize: 8}

	err := s.PublishDocument(context.Background(), document.PriorityNormal, []byte("<Order>too big</Order>"), nil)
	assert.ErrorIs(t, err, errspkg.ErrPayloadTooLarge)
	assert.ErrorContains(t, err, "tiny accepts 8")
	assert.Empty(t, s.publisher.(*testPublisher).Messages())

	require.NoError(t, s.PublishDocument(context.Background(), document.PriorityNormal, []byte("<a/>"), nil))
}
