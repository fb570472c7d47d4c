package aws

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/drblury/docflow/transport"
)

// SQSAPI is the subset of the SQS client used for queue inspection.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
}

// Inspector reports the approximate number of visible messages of an SQS queue.
type Inspector struct {
	client SQSAPI
	urls   sync.Map
}

// NewInspector wraps client.
func NewInspector(client SQSAPI) *Inspector {
	return &Inspector{client: client}
}

func (i *Inspector) queueURL(ctx context.Context, queue string) (string, error) {
	if u, ok := i.urls.Load(queue); ok {
		return u.(string), nil
	}
	out, err := i.client.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("sqs: resolve queue %q: %w", queue, err)
	}
	u := aws.ToString(out.QueueUrl)
	i.urls.Store(queue, u)
	return u, nil
}

// QueueDepth implements transport.QueueInspector. In-flight messages are not
// counted; they already belong to a batch.
func (i *Inspector) QueueDepth(ctx context.Context, queue string) (int64, error) {
	queueURL, err := i.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}

	attr := sqstypes.QueueAttributeNameApproximateNumberOfMessages
	out, err := i.client.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{attr},
	})
	if err != nil {
		return 0, fmt.Errorf("sqs: queue attributes %q: %w", queue, err)
	}

	raw, ok := out.Attributes[string(attr)]
	if !ok {
		return 0, transport.ErrDepthUnknown
	}
	depth, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sqs: parse %s %q: %w", attr, raw, err)
	}
	return depth, nil
}

// ConsumerCount implements transport.QueueInspector. SQS does not track consumers.
func (i *Inspector) ConsumerCount(context.Context, string) (int64, error) {
	return 0, transport.ErrNotSupported
}
