// Package bus implements the Notification Bus (spec §4.F): a durable
// JetStream stream standing in for "the database's native channel",
// carrying block_range_synced, live_block_synced and
// factory_child_discovered notifications from the Syncer to the
// Processor and any external subscriber. Adapted from the teacher's
// internal/nats.Publisher, generalized from publish-only to publish and
// subscribe (the Processor must consume what the Syncer emits).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	streamName           = "KYOMEI"
	streamSubjectPattern = "KYOMEI.*.*"
	streamCreateTimeout  = 10 * time.Second
)

// Kind is one of the three notification kinds spec §4.F names.
type Kind string

const (
	BlockRangeSynced      Kind = "block_range_synced"
	LiveBlockSynced       Kind = "live_block_synced"
	FactoryChildDiscovered Kind = "factory_child_discovered"
)

// Notification is the payload carried for every Kind; fields not
// relevant to a given Kind are left zero.
type Notification struct {
	Kind           Kind   `json:"kind"`
	ChainID        uint64 `json:"chainId"`
	FromBlock      uint64 `json:"fromBlock,omitempty"`
	ToBlock        uint64 `json:"toBlock,omitempty"`
	BlockHash      string `json:"blockHash,omitempty"`
	ChildAddress   string `json:"childAddress,omitempty"`
	ContractName   string `json:"contractName,omitempty"`
	FactoryAddress string `json:"factoryAddress,omitempty"`
}

// Bus publishes and consumes Notifications over a durable JetStream
// stream, deduplicated by an explicit message id so a replayed
// publish (after a crash between commit and publish) never double-
// delivers.
type Bus struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
	prefix string
}

func Connect(natsURL string, retention time.Duration, subjectPrefix string, logger zerolog.Logger) (*Bus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("kyomei-indexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	dedupWindow := 20 * time.Minute
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{streamSubjectPattern},
		MaxAge:     retention,
		Storage:    jetstream.FileStorage,
		Duplicates: dedupWindow,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %q: %w", streamName, err)
	}

	logger.Info().Str("stream", streamName).Dur("retention", retention).Msg("notification bus connected")

	return &Bus{js: js, nc: nc, logger: logger, prefix: subjectPrefix}, nil
}

func (b *Bus) subject(kind Kind, chainID uint64) string {
	return fmt.Sprintf("%s.%s.%d", b.prefix, kind, chainID)
}

// dedupID makes a (kind, chain, range) publish idempotent: re-publishing
// the same range after a crash before the original publish was
// acknowledged lands on the same message id and is dropped by the
// server's duplicate window. A Kind this switch doesn't recognize has no
// natural idempotency key to derive one from, so it gets a fresh random
// id instead — it is published at most once by construction, since
// every Kind this package defines is handled above.
func dedupID(n Notification) string {
	switch n.Kind {
	case BlockRangeSynced, LiveBlockSynced:
		return fmt.Sprintf("%s-%d-%d-%d", n.Kind, n.ChainID, n.FromBlock, n.ToBlock)
	case FactoryChildDiscovered:
		return fmt.Sprintf("%s-%d-%s", n.Kind, n.ChainID, n.ChildAddress)
	default:
		return fmt.Sprintf("%s-%d-%s", n.Kind, n.ChainID, uuid.New().String())
	}
}

// Publish sends n, deduplicated by dedupID.
func (b *Bus) Publish(ctx context.Context, n Notification) error {
	subject := b.subject(n.Kind, n.ChainID)
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msgID := dedupID(n)
	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		b.logger.Error().Err(err).Str("subject", subject).Str("msg_id", msgID).Msg("publish notification failed")
		return fmt.Errorf("publish to %q: %w", subject, err)
	}

	b.logger.Debug().Str("subject", subject).Str("msg_id", msgID).Msg("notification published")
	return nil
}

// Handler processes one delivered Notification. Returning an error
// leaves the message unacked so it is redelivered.
type Handler func(ctx context.Context, n Notification) error

// Subscribe creates (or reuses) a durable consumer named durableName,
// filtered to kind across all chains, and dispatches every delivery to
// handle until ctx is cancelled. One durable per logical subscriber
// (e.g. "processor") so independent consumers each see every message.
func (b *Bus) Subscribe(ctx context.Context, durableName string, kind Kind, handle Handler) error {
	stream, err := b.js.Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("lookup stream %q: %w", streamName, err)
	}

	filter := fmt.Sprintf("%s.%s.*", b.prefix, kind)
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName,
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %q: %w", durableName, err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data(), &n); err != nil {
			b.logger.Error().Err(err).Msg("drop malformed notification")
			msg.Term()
			return
		}
		if err := handle(ctx, n); err != nil {
			b.logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("notification handler failed, will redeliver")
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("start consuming %q: %w", durableName, err)
	}

	go func() {
		<-ctx.Done()
		cons.Stop()
	}()
	return nil
}

func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
		b.logger.Info().Msg("notification bus closed")
	}
}

func (b *Bus) Healthy() bool {
	return b.nc != nil && b.nc.IsConnected()
}
