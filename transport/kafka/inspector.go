package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
)

// OffsetAdmin is the slice of the Kafka admin API the inspector needs.
type OffsetAdmin interface {
	Partitions(topic string) ([]int32, error)
	Offset(topic string, partition int32, position int64) (int64, error)
	CommittedOffsets(group, topic string, partitions []int32) (map[int32]int64, error)
	GroupMembers(group string) (int, error)
	Ping() error
	Close() error
}

// AdminFactory opens the admin connection used for lag and health queries.
// Overridable for testing.
var AdminFactory = func(brokers []string, conf *sarama.Config) (OffsetAdmin, error) {
	client, err := sarama.NewClient(brokers, conf)
	if err != nil {
		return nil, err
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &saramaAdmin{client: client, admin: admin}, nil
}

// Inspector reports consumer group lag as queue depth. The admin connection
// is opened on first use so that building the transport never blocks on the
// broker.
type Inspector struct {
	brokers []string
	group   string
	conf    *sarama.Config

	mu    sync.Mutex
	admin OffsetAdmin
}

// NewInspector returns an Inspector for group on brokers.
func NewInspector(brokers []string, group string, conf *sarama.Config) *Inspector {
	return &Inspector{brokers: brokers, group: group, conf: conf}
}

func (i *Inspector) connect() (OffsetAdmin, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.admin != nil {
		return i.admin, nil
	}
	admin, err := AdminFactory(i.brokers, i.conf)
	if err != nil {
		return nil, fmt.Errorf("kafka admin: %w", err)
	}
	i.admin = admin
	return admin, nil
}

// QueueDepth sums, over every partition of queue, the messages the group has
// not committed yet. Partitions without a committed offset count from the
// oldest retained message.
func (i *Inspector) QueueDepth(ctx context.Context, queue string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	admin, err := i.connect()
	if err != nil {
		return 0, err
	}

	partitions, err := admin.Partitions(queue)
	if err != nil {
		return 0, err
	}
	committed, err := admin.CommittedOffsets(i.group, queue, partitions)
	if err != nil {
		return 0, err
	}

	var depth int64
	for _, p := range partitions {
		newest, err := admin.Offset(queue, p, sarama.OffsetNewest)
		if err != nil {
			return 0, err
		}
		from, ok := committed[p]
		if !ok || from < 0 {
			if from, err = admin.Offset(queue, p, sarama.OffsetOldest); err != nil {
				return 0, err
			}
		}
		if newest > from {
			depth += newest - from
		}
	}
	return depth, nil
}

// ConsumerCount returns the number of members in the consumer group. Every
// member subscribes to all intake topics, so queue is not consulted.
func (i *Inspector) ConsumerCount(ctx context.Context, _ string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	admin, err := i.connect()
	if err != nil {
		return 0, err
	}
	n, err := admin.GroupMembers(i.group)
	return int64(n), err
}

// Ping checks that the cluster answers metadata requests.
func (i *Inspector) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	admin, err := i.connect()
	if err != nil {
		return err
	}
	return admin.Ping()
}

// Close releases the admin connection if one was opened.
func (i *Inspector) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.admin == nil {
		return nil
	}
	err := i.admin.Close()
	i.admin = nil
	return err
}

type saramaAdmin struct {
	client sarama.Client
	admin  sarama.ClusterAdmin
}

func (a *saramaAdmin) Partitions(topic string) ([]int32, error) {
	if err := a.client.RefreshMetadata(topic); err != nil {
		return nil, err
	}
	return a.client.Partitions(topic)
}

func (a *saramaAdmin) Offset(topic string, partition int32, position int64) (int64, error) {
	return a.client.GetOffset(topic, partition, position)
}

func (a *saramaAdmin) CommittedOffsets(group, topic string, partitions []int32) (map[int32]int64, error) {
	resp, err := a.admin.ListConsumerGroupOffsets(group, map[string][]int32{topic: partitions})
	if err != nil {
		return nil, err
	}
	out := make(map[int32]int64, len(partitions))
	for _, p := range partitions {
		block := resp.GetBlock(topic, p)
		if block == nil || block.Err != sarama.ErrNoError {
			continue
		}
		out[p] = block.Offset
	}
	return out, nil
}

func (a *saramaAdmin) GroupMembers(group string) (int, error) {
	groups, err := a.admin.DescribeConsumerGroups([]string{group})
	if err != nil {
		return 0, err
	}
	if len(groups) == 0 {
		return 0, nil
	}
	return len(groups[0].Members), nil
}

func (a *saramaAdmin) Ping() error {
	_, _, err := a.admin.DescribeCluster()
	return err
}

// Close closes the admin, which also closes the underlying client.
func (a *saramaAdmin) Close() error {
	return a.admin.Close()
}
