// Package kafkaconsumer consumes ride-ingest events and expires the
// cached statistics they touch.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/bikenow/ridestats/internal/cache"
	"github.com/bikenow/ridestats/internal/cache/cellindex"
	"github.com/bikenow/ridestats/internal/cache/keys"
	"github.com/bikenow/ridestats/internal/geo"
	"github.com/bikenow/ridestats/internal/invalidation"
	"github.com/bikenow/ridestats/internal/observability"
)

type Consumer struct {
	cfg   Config
	log   *zerolog.Logger
	cache cache.Interface
	index cellindex.Index
}

func New(cfg Config, log *zerolog.Logger, c cache.Interface, ix cellindex.Index) *Consumer {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Consumer{cfg: cfg.Defaults(), log: log, cache: c, index: ix}
}

// Start runs the consumer group loop until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cache == nil || c.index == nil {
		return errors.New("kafkaconsumer: missing dependencies (cache/index)")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.log.Info().
		Strs("brokers", c.cfg.Brokers).
		Str("topic", c.cfg.Topic).
		Str("group", c.cfg.GroupID).
		Msg("ride event consumer starting")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("ride event consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.log.Error().Err(err).
					Strs("brokers", c.cfg.Brokers).
					Str("topic", c.cfg.Topic).
					Msg("kafka consumer error")
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single ride event: it drops the start station's
// statistics entry and every cached area entry registered under the
// cell containing the ride's start location.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.RideEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncInvalidation(err)
		c.log.Error().Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("ride event decode failed")
		return fmt.Errorf("json decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		observability.IncInvalidation(err)
		c.log.Warn().Err(err).
			Int("station", ev.Station).
			Msg("invalid ride event dropped")
		// Bad events are not retryable; ack and move on.
		return nil
	}

	delKeys := []string{keys.StationStatistics(ev.Station)}

	cell, err := geo.CellForPoint(ev.Location.Lat, ev.Location.Lng, c.cfg.CellRes)
	if err != nil {
		observability.IncInvalidation(err)
		return fmt.Errorf("derive cell: %w", err)
	}
	areaKeys, err := c.index.Keys(ctx, cell)
	if err != nil {
		observability.IncInvalidation(err)
		return fmt.Errorf("cell index lookup: %w", err)
	}
	delKeys = append(delKeys, areaKeys...)

	if err := c.cache.Del(ctx, delKeys...); err != nil {
		observability.IncInvalidation(err)
		c.log.Error().Err(err).
			Int("keys", len(delKeys)).
			Msg("invalidation delete failed")
		return fmt.Errorf("cache del: %w", err)
	}

	observability.IncInvalidation(nil)
	c.log.Debug().
		Str("op", ev.Op).
		Int("station", ev.Station).
		Str("cell", cell).
		Int("keys", len(delKeys)).
		Msg("invalidated cached statistics")
	return nil
}
