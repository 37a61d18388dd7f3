package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradecore/internal/event"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// JetStreamConfig tunes the NATS-backed store.
type JetStreamConfig struct {
	URL           string
	StreamPrefix  string        // stream name prefix, e.g. TRADE_MARKET_DATA
	SubjectPrefix string        // subject prefix, e.g. trade.events.market_data
	Group         string        // durable consumer group name
	MaxLen        int64         // approximate per-kind log cap
	MaxAge        time.Duration // retention age limit
	Visibility    time.Duration // AckWait: unacked entries are redelivered after this
	MaxDeliver    int
	MaxRetries    uint64 // publish retry attempts before ErrUnavailable
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.StreamPrefix == "" {
		c.StreamPrefix = "TRADE"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "trade.events"
	}
	if c.Group == "" {
		c.Group = "core"
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 1_000_000
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 72 * time.Hour
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	return c
}

// JetStream is the production Store backend. One JetStream stream per
// event kind; the consumer group maps to a durable consumer with
// explicit acks, so the visibility window and redelivery are enforced
// server-side.
type JetStream struct {
	cfg    JetStreamConfig
	logger zerolog.Logger
	nc     *nats.Conn
	js     jetstream.JetStream

	mu        sync.Mutex
	consumers map[event.Kind]jetstream.Consumer
	pending   map[pendingKey]jetstream.Msg
}

type pendingKey struct {
	kind event.Kind
	pos  Position
}

// OpenJetStream connects to NATS, ensures one stream per event kind,
// and returns the store.
func OpenJetStream(ctx context.Context, cfg JetStreamConfig, logger zerolog.Logger) (*JetStream, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	s := &JetStream{
		cfg:       cfg,
		logger:    logger,
		nc:        nc,
		js:        js,
		consumers: make(map[event.Kind]jetstream.Consumer),
		pending:   make(map[pendingKey]jetstream.Msg),
	}
	if err := s.ensureStreams(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *JetStream) streamName(kind event.Kind) string {
	return s.cfg.StreamPrefix + "_" + strings.ToUpper(kind.String())
}

func (s *JetStream) subject(kind event.Kind) string {
	return s.cfg.SubjectPrefix + "." + kind.String()
}

func (s *JetStream) ensureStreams(ctx context.Context) error {
	for _, kind := range event.Kinds() {
		_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      s.streamName(kind),
			Subjects:  []string{s.subject(kind)},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxMsgs:   s.cfg.MaxLen,
			MaxAge:    s.cfg.MaxAge,
			Discard:   jetstream.DiscardOld,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", s.streamName(kind), err)
		}
	}
	return nil
}

func (s *JetStream) consumer(ctx context.Context, kind event.Kind) (jetstream.Consumer, error) {
	s.mu.Lock()
	if c, ok := s.consumers[kind]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	c, err := s.js.CreateOrUpdateConsumer(ctx, s.streamName(kind), jetstream.ConsumerConfig{
		Durable:       s.cfg.Group + "-" + kind.String(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.cfg.Visibility,
		MaxDeliver:    s.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", kind, err)
	}

	s.mu.Lock()
	s.consumers[kind] = c
	s.mu.Unlock()
	return c, nil
}

func (s *JetStream) Publish(ctx context.Context, ev event.Event) (Position, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	data, err := json.Marshal(ev.Fields())
	if err != nil {
		return 0, fmt.Errorf("marshal event fields: %w", err)
	}

	var ack *jetstream.PubAck
	op := func() error {
		var perr error
		ack, perr = s.js.Publish(ctx, s.subject(ev.Kind()), data)
		return perr
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return 0, fmt.Errorf("%w: publish %s: %v", ErrUnavailable, ev.Kind(), err)
	}
	return Position(ack.Sequence), nil
}

func (s *JetStream) Consume(ctx context.Context, kinds []event.Kind, consumer string, maxWait time.Duration, maxBatch int) ([]Entry, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	perKindWait := maxWait
	if len(kinds) > 1 {
		perKindWait = maxWait / time.Duration(len(kinds))
		if perKindWait < 50*time.Millisecond {
			perKindWait = 50 * time.Millisecond
		}
	}

	var entries []Entry
	for _, kind := range kinds {
		if len(entries) >= maxBatch {
			break
		}
		c, err := s.consumer(ctx, kind)
		if err != nil {
			return entries, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		batch, err := c.Fetch(maxBatch-len(entries), jetstream.FetchMaxWait(perKindWait))
		if err != nil {
			return entries, fmt.Errorf("%w: fetch %s: %v", ErrUnavailable, kind, err)
		}

		for msg := range batch.Messages() {
			entry, ok := s.entryFromMsg(kind, msg)
			if !ok {
				continue
			}
			s.mu.Lock()
			s.pending[pendingKey{kind: kind, pos: entry.Pos}] = msg
			s.mu.Unlock()
			entries = append(entries, entry)
		}
		if err := batch.Error(); err != nil {
			return entries, fmt.Errorf("%w: fetch %s: %v", ErrUnavailable, kind, err)
		}
	}
	return entries, nil
}

func (s *JetStream) entryFromMsg(kind event.Kind, msg jetstream.Msg) (Entry, bool) {
	meta, err := msg.Metadata()
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", kind.String()).Msg("message without metadata")
		msg.Ack()
		return Entry{}, false
	}

	var fields map[string]string
	if err := json.Unmarshal(msg.Data(), &fields); err != nil {
		// Undecodable entries are acked so they do not loop forever
		// through redelivery; the producer bug is surfaced in the log.
		s.logger.Warn().Err(err).Str("kind", kind.String()).
			Uint64("position", meta.Sequence.Stream).Msg("undecodable entry acked and skipped")
		msg.Ack()
		return Entry{}, false
	}
	ev, err := event.Decode(fields)
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", kind.String()).
			Uint64("position", meta.Sequence.Stream).Msg("invalid entry acked and skipped")
		msg.Ack()
		return Entry{}, false
	}

	return Entry{
		Kind:       kind,
		Pos:        Position(meta.Sequence.Stream),
		Ev:         ev,
		Stored:     meta.Timestamp,
		Deliveries: int(meta.NumDelivered),
	}, true
}

func (s *JetStream) Ack(ctx context.Context, kind event.Kind, pos Position) error {
	s.mu.Lock()
	msg, ok := s.pending[pendingKey{kind: kind, pos: pos}]
	if ok {
		delete(s.pending, pendingKey{kind: kind, pos: pos})
	}
	s.mu.Unlock()

	// Already acked, or never delivered to this client: a no-op.
	if !ok {
		return nil
	}
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("%w: ack %s@%d: %v", ErrUnavailable, kind, pos, err)
	}
	return nil
}

func (s *JetStream) Replay(ctx context.Context, kind event.Kind, start, end time.Time, limit int) ([]Entry, error) {
	cons, err := s.js.OrderedConsumer(ctx, s.streamName(kind), jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverByStartTimePolicy,
		OptStartTime:  &start,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: replay consumer for %s: %v", ErrUnavailable, kind, err)
	}

	chunk := 256
	if limit > 0 && limit < chunk {
		chunk = limit
	}

	var entries []Entry
	for {
		batch, err := cons.Fetch(chunk, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return entries, fmt.Errorf("%w: replay fetch %s: %v", ErrUnavailable, kind, err)
		}

		got := 0
		for msg := range batch.Messages() {
			got++
			meta, err := msg.Metadata()
			if err != nil {
				continue
			}
			if meta.Timestamp.After(end) {
				return entries, nil
			}
			var fields map[string]string
			if err := json.Unmarshal(msg.Data(), &fields); err != nil {
				continue
			}
			ev, err := event.Decode(fields)
			if err != nil {
				continue
			}
			entries = append(entries, Entry{
				Kind:   kind,
				Pos:    Position(meta.Sequence.Stream),
				Ev:     ev,
				Stored: meta.Timestamp,
			})
			if limit > 0 && len(entries) >= limit {
				return entries, nil
			}
		}
		if got == 0 {
			// Caught up to the head of the stream.
			return entries, nil
		}
	}
}

func (s *JetStream) Close() error {
	s.nc.Close()
	return nil
}
