package storage

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	logx "jobsched/pkg/logx"
)

const (
	defaultBucket    = "jobsched-tasks"
	defaultStream    = "JOBSCHED"
	defaultFetchWait = 100 * time.Millisecond
	drainBatch       = 256
	casRetries       = 5
)

// natsStore maps hashes to JSON documents in a KV bucket and channels to
// subjects of a work-queue stream, one durable pull consumer per channel.
type natsStore struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	kv  jetstream.KeyValue
	log logx.Logger

	stream    string
	fetchWait time.Duration

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
}

func openNATS(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("jobsched"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, unavailable("connect", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := NewNATS(ctx, nc, cfg, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return st, nil
}

// NewNATS creates the bucket and stream on an established connection.
// The returned store owns nc and closes it on Close.
func NewNATS(ctx context.Context, nc *nats.Conn, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultStream
	}
	fetchWait := cfg.FetchWait
	if fetchWait <= 0 {
		fetchWait = defaultFetchWait
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "create jetstream context")
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{queueSubject(stream, ">")},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	}); err != nil {
		return nil, errors.Wrapf(err, "create stream %s", stream)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create kv bucket %s", bucket)
	}

	log.Info("nats store ready", logx.String("stream", stream), logx.String("bucket", bucket))
	return &natsStore{
		nc:        nc,
		js:        js,
		kv:        kv,
		log:       log,
		stream:    stream,
		fetchWait: fetchWait,
		consumers: map[string]jetstream.Consumer{},
	}, nil
}

func queueSubject(stream, channel string) string {
	return strings.ToLower(stream) + ".queue." + channel
}

// consumerName derives a durable name; durable names may not contain '.', '*', '>' or spaces.
func consumerName(channel string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return "drain_" + r.Replace(channel)
}

func (s *natsStore) Close() error {
	s.nc.Close()
	return nil
}

func (s *natsStore) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return unavailable("ping", errors.Newf("nats status %s", s.nc.Status()))
	}
	return unavailable("ping", s.nc.FlushWithContext(ctx))
}

func (s *natsStore) getDoc(ctx context.Context, key string) (map[string]string, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, notFound(key)
	}
	if err != nil {
		return nil, 0, unavailable("kv get", err)
	}
	doc := map[string]string{}
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, 0, errors.Wrapf(err, "decode key %q", key)
	}
	return doc, entry.Revision(), nil
}

// HashSet merges fields with a compare-and-swap loop on the key's revision.
func (s *natsStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	for i := 0; i < casRetries; i++ {
		doc, rev, err := s.getDoc(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if doc == nil {
			doc = map[string]string{}
		}
		for k, v := range fields {
			doc[k] = v
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrapf(err, "encode key %q", key)
		}
		if rev == 0 {
			_, err = s.kv.Create(ctx, key, data)
		} else {
			_, err = s.kv.Update(ctx, key, data, rev)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRevisionConflict(err) {
			return unavailable("hset", err)
		}
	}
	return unavailable("hset", errors.Newf("key %q: too many concurrent updates", key))
}

// isRevisionConflict reports whether a KV write lost a race with another writer.
func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *natsStore) HashGetField(ctx context.Context, key, field string) (string, error) {
	doc, _, err := s.getDoc(ctx, key)
	if err != nil {
		return "", err
	}
	v, ok := doc[field]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "key %q field %q", key, field)
	}
	return v, nil
}

func (s *natsStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	doc, _, err := s.getDoc(ctx, key)
	return doc, err
}

func (s *natsStore) QueuePush(ctx context.Context, channel, entry string) error {
	_, err := s.js.Publish(ctx, queueSubject(s.stream, channel), []byte(entry))
	return unavailable("push", err)
}

func (s *natsStore) consumer(ctx context.Context, channel string) (jetstream.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[channel]; ok {
		return c, nil
	}
	c, err := s.js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		Durable:       consumerName(channel),
		FilterSubject: queueSubject(s.stream, channel),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, unavailable("create consumer", err)
	}
	s.consumers[channel] = c
	return c, nil
}

// QueueDrain fetches in batches until a fetch comes back short.
func (s *natsStore) QueueDrain(ctx context.Context, channel string) ([]string, error) {
	c, err := s.consumer(ctx, channel)
	if err != nil {
		return nil, err
	}
	var out []string
	for {
		batch, err := c.Fetch(drainBatch, jetstream.FetchMaxWait(s.fetchWait))
		if err != nil {
			return out, unavailable("drain", err)
		}
		n := 0
		for msg := range batch.Messages() {
			n++
			out = append(out, string(msg.Data()))
			if err := msg.Ack(); err != nil {
				s.log.Warn("queue ack failed", logx.String("channel", channel), logx.Err(err))
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return out, unavailable("drain", err)
		}
		if n < drainBatch || ctx.Err() != nil {
			return out, nil
		}
	}
}
