package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/qmuter-tracking/internal/models"
	"github.com/example/qmuter-tracking/internal/observability"
	"github.com/example/qmuter-tracking/internal/tracking"
)

const maxBackoff = 30 * time.Second

// LocationEvent is one device ping as published on the location topic.
type LocationEvent struct {
	TripID   string   `json:"tripId"`
	Role     string   `json:"role"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
}

// Updater is the slice of the tracking engine the consumer drives.
type Updater interface {
	UpdateLocation(ctx context.Context, u tracking.LocationUpdate) error
}

// MessageReader is the subset of *kafka.Reader used here.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
}

type Consumer struct {
	Reader  MessageReader
	Updater Updater
	Logger  *zap.Logger
	// Attempts and Delay bound retries of persistence failures per event.
	Attempts int
	Delay    time.Duration
}

// Run consumes until ctx is cancelled. Read errors back off exponentially.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Logger.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		c.Handle(ctx, m)
		if err := c.Reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.Logger.Warn("kafka commit failed", zap.Error(err), zap.Int64("offset", m.Offset))
		}
	}
}

// Handle applies one message. Malformed events and unknown trips are dropped;
// persistence failures are retried and then dropped.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) {
	observability.LocationEventsConsumed.Inc()

	u, err := ParseLocationEvent(m.Value)
	if err != nil {
		observability.LocationEventsInvalid.Inc()
		c.Logger.Warn("invalid location event", zap.Error(err), zap.Int64("offset", m.Offset))
		return
	}
	err = updateWithRetry(ctx, c.Updater, u, c.Attempts, c.Delay)
	switch {
	case err == nil:
	case errors.Is(err, tracking.ErrNotFound), errors.Is(err, tracking.ErrInvalidArgument):
		observability.LocationEventsInvalid.Inc()
		c.Logger.Info("location event rejected", zap.String("trip_id", u.TripID), zap.Error(err))
	default:
		observability.LocationEventsFailed.Inc()
		c.Logger.Error("location event failed", zap.String("trip_id", u.TripID), zap.Error(err))
	}
}

func ParseLocationEvent(b []byte) (tracking.LocationUpdate, error) {
	var ev LocationEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return tracking.LocationUpdate{}, fmt.Errorf("decode location event: %w", err)
	}
	if ev.TripID == "" {
		return tracking.LocationUpdate{}, fmt.Errorf("%w: location event without tripId", tracking.ErrInvalidArgument)
	}
	if ev.Lat == nil || ev.Lng == nil {
		return tracking.LocationUpdate{}, fmt.Errorf("%w: location event without coordinates", tracking.ErrInvalidArgument)
	}
	role, err := models.ParseRole(ev.Role)
	if err != nil {
		return tracking.LocationUpdate{}, fmt.Errorf("%w: %v", tracking.ErrInvalidArgument, err)
	}
	return tracking.LocationUpdate{
		TripID:   ev.TripID,
		Role:     role,
		Lat:      *ev.Lat,
		Lng:      *ev.Lng,
		Accuracy: ev.Accuracy,
		Speed:    ev.Speed,
		Heading:  ev.Heading,
	}, nil
}

// updateWithRetry retries only persistence failures, doubling delay each time.
func updateWithRetry(ctx context.Context, up Updater, u tracking.LocationUpdate, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = up.UpdateLocation(ctx, u)
		if err == nil || !errors.Is(err, tracking.ErrPersistence) {
			return err
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
