package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/model"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultFetchWait bounds how long a JetStream read blocks.
const DefaultFetchWait = 200 * time.Millisecond

// JetStreamConfig configures a JetStream source.
type JetStreamConfig struct {
	Stream    string
	Subjects  []string
	FetchWait time.Duration
	Logger    *slog.Logger
}

// JetStream reads a NATS JetStream stream through an ordered consumer.
// Locator offsets are stream sequence numbers.
type JetStream struct {
	id     string
	cfg    JetStreamConfig
	logger *slog.Logger

	subscribe func(ctx context.Context, cfg jetstream.OrderedConsumerConfig) (jetstream.MessagesContext, error)
	lastSeq   func(ctx context.Context) (uint64, error)

	msgs jetstream.MessagesContext
}

var (
	_ Source         = (*JetStream)(nil)
	_ PositionOracle = (*JetStream)(nil)
)

// NewJetStream creates a source reading cfg.Stream.
func NewJetStream(js jetstream.JetStream, cfg JetStreamConfig) (*JetStream, error) {
	if cfg.Stream == "" {
		return nil, errors.New("jetstream source: missing stream name")
	}
	subscribe := func(ctx context.Context, occ jetstream.OrderedConsumerConfig) (jetstream.MessagesContext, error) {
		cons, err := js.OrderedConsumer(ctx, cfg.Stream, occ)
		if err != nil {
			return nil, err
		}
		return cons.Messages()
	}
	lastSeq := func(ctx context.Context) (uint64, error) {
		s, err := js.Stream(ctx, cfg.Stream)
		if err != nil {
			return 0, err
		}
		info, err := s.Info(ctx)
		if err != nil {
			return 0, err
		}
		return info.State.LastSeq, nil
	}
	return newJetStream(cfg, subscribe, lastSeq), nil
}

// JetStreamFactory returns a Factory connecting to url for each source.
func JetStreamFactory(url string, cfg JetStreamConfig) Factory {
	return func(ctx context.Context) (Source, error) {
		nc, err := nats.Connect(url)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create jetstream: %w", err)
		}
		src, err := NewJetStream(js, cfg)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return &connSource{JetStream: src, nc: nc}, nil
	}
}

type connSource struct {
	*JetStream
	nc *nats.Conn
}

func (c *connSource) Close() error {
	err := c.JetStream.Close()
	c.nc.Close()
	return err
}

func newJetStream(cfg JetStreamConfig,
	subscribe func(context.Context, jetstream.OrderedConsumerConfig) (jetstream.MessagesContext, error),
	lastSeq func(context.Context) (uint64, error),
) *JetStream {
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = DefaultFetchWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStream{
		id:        "jetstream:" + cfg.Stream,
		cfg:       cfg,
		logger:    logger.With("component", "source", "stream", cfg.Stream),
		subscribe: subscribe,
		lastSeq:   lastSeq,
	}
}

func (s *JetStream) Read(ctx context.Context) (*document.Raw, model.Locator, ReadStatus) {
	if s.msgs == nil {
		if err := s.Seek(ctx, model.Locator{}); err != nil {
			return nil, model.Locator{}, ReadException
		}
	}

	msg, err := s.msgs.Next(jetstream.NextMaxWait(s.cfg.FetchWait))
	switch {
	case err == nil:
	case errors.Is(err, nats.ErrTimeout):
		return nil, model.Locator{}, ReadWait
	case errors.Is(err, jetstream.ErrMsgIteratorClosed):
		return nil, model.Locator{}, ReadEOF
	default:
		s.logger.Warn("read failed", "error", err)
		return nil, model.Locator{}, ReadException
	}

	meta, err := msg.Metadata()
	if err != nil {
		s.logger.Warn("message without metadata", "error", err)
		return nil, model.Locator{}, ReadException
	}
	loc := model.Locator{SourceID: s.id, Offset: int64(meta.Sequence.Stream)}
	raw, err := document.ParseRaw(msg.Data(), loc)
	if err != nil {
		s.logger.Warn("malformed document", "offset", loc.Offset, "error", err)
		return nil, loc, ReadException
	}
	return raw, loc, ReadOK
}

func (s *JetStream) Seek(ctx context.Context, loc model.Locator) error {
	occ := jetstream.OrderedConsumerConfig{
		FilterSubjects: s.cfg.Subjects,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if loc.Valid() {
		if loc.SourceID != s.id {
			return ErrForeignLocator
		}
		occ.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		occ.OptStartSeq = uint64(loc.Offset) + 1
	}

	msgs, err := s.subscribe(ctx, occ)
	if err != nil {
		s.logger.Warn("subscribe failed", "locator", loc, "error", err)
		return fmt.Errorf("subscribe from %s: %w", loc, err)
	}
	if s.msgs != nil {
		s.msgs.Stop()
	}
	s.msgs = msgs
	return nil
}

func (s *JetStream) MaxAvailablePosition(ctx context.Context) (model.Locator, bool) {
	seq, err := s.lastSeq(ctx)
	if err != nil || seq == 0 {
		return model.Locator{}, false
	}
	return model.Locator{SourceID: s.id, Offset: int64(seq)}, true
}

func (s *JetStream) Close() error {
	if s.msgs != nil {
		s.msgs.Stop()
		s.msgs = nil
	}
	return nil
}
