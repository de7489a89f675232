package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"mailpace/internal/dispatch"
)

const defaultIdle = 5 * time.Second

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Group   string
	// IdleTimeout ends a read once no record arrived for this long.
	IdleTimeout time.Duration
}

// Kafka drains a topic of recipient records. A record value is either a
// JSON object with an "email" key or a bare address. With a consumer group,
// offsets are committed only through Commit.
type Kafka struct {
	cfg    KafkaConfig
	client kafkaClient
}

// kafkaClient is the part of *kgo.Client a Kafka source uses.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.Group), kgo.DisableAutoCommit())
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return newKafka(cfg, cl), nil
}

func newKafka(cfg KafkaConfig, cl kafkaClient) *Kafka {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdle
	}
	return &Kafka{cfg: cfg, client: cl}
}

func (k *Kafka) Name() string { return "kafka:" + k.cfg.Topic }

func (k *Kafka) Recipients(ctx context.Context) ([]dispatch.Recipient, error) {
	var out []dispatch.Recipient
	for {
		pctx, cancel := context.WithTimeout(ctx, k.cfg.IdleTimeout)
		fetches := k.client.PollFetches(pctx)
		idle := pctx.Err() != nil
		cancel()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if fetches.IsClientClosed() {
			return nil, errors.New("kafka client closed")
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
				continue
			}
			return nil, fmt.Errorf("kafka fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
		}
		n := 0
		fetches.EachRecord(func(r *kgo.Record) {
			n++
			if rec, ok := decodeRecord(r.Value); ok {
				out = append(out, rec)
			}
		})
		if n == 0 && idle {
			return out, nil
		}
	}
}

func decodeRecord(v []byte) (dispatch.Recipient, bool) {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return dispatch.Recipient{}, false
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "\"") {
		recs, err := Parse([]byte("[" + s + "]"))
		if err != nil || len(recs) == 0 {
			return dispatch.Recipient{}, false
		}
		return recs[0], true
	}
	return dispatch.NewRecipient(s, nil), true
}

// Commit marks everything read so far as consumed.
func (k *Kafka) Commit(ctx context.Context) error {
	if k.cfg.Group == "" {
		return nil
	}
	return k.client.CommitUncommittedOffsets(ctx)
}

func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}
