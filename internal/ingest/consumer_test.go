package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/qmuter-tracking/internal/models"
	"github.com/example/qmuter-tracking/internal/tracking"
)

// fakeUpdater fails the first failN calls with err.
type fakeUpdater struct {
	mu    sync.Mutex
	failN int
	err   error
	calls []tracking.LocationUpdate
}

func (f *fakeUpdater) UpdateLocation(_ context.Context, u tracking.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	if len(f.calls) <= f.failN {
		return f.err
	}
	return nil
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestParseLocationEvent(t *testing.T) {
	u, err := ParseLocationEvent([]byte(`{"tripId":"trip1","role":"rider","lat":-36.85,"lng":174.76,"speed":1.2}`))
	require.NoError(t, err)
	assert.Equal(t, "trip1", u.TripID)
	assert.Equal(t, models.RoleRider, u.Role)
	require.NotNil(t, u.Speed)
	assert.Equal(t, 1.2, *u.Speed)
	assert.Nil(t, u.Heading)

	_, err = ParseLocationEvent([]byte(`{"tripId":"trip1","role":"passenger","lat":0,"lng":0}`))
	assert.Error(t, err)
	_, err = ParseLocationEvent([]byte(`{"role":"driver"}`))
	assert.ErrorIs(t, err, tracking.ErrInvalidArgument)
	_, err = ParseLocationEvent([]byte(`{"tripId":"trip1","role":"driver"}`))
	assert.ErrorIs(t, err, tracking.ErrInvalidArgument)
	_, err = ParseLocationEvent([]byte(`{"tripId":"trip1","role":"driver","lat":-36.85}`))
	assert.ErrorIs(t, err, tracking.ErrInvalidArgument)

	u, err = ParseLocationEvent([]byte(`{"tripId":"trip1","role":"driver","lat":0,"lng":0}`))
	require.NoError(t, err)
	assert.Zero(t, u.Lat)
	_, err = ParseLocationEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestUpdateWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failN: 2, err: fmt.Errorf("save: %w", tracking.ErrPersistence)}
	start := time.Now()
	require.NoError(t, updateWithRetry(context.Background(), f, tracking.LocationUpdate{TripID: "t"}, 3, 5*time.Millisecond))
	assert.Len(t, f.calls, 3)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestUpdateWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failN: 5, err: tracking.ErrPersistence}
	err := updateWithRetry(context.Background(), f, tracking.LocationUpdate{TripID: "t"}, 3, time.Millisecond)
	assert.ErrorIs(t, err, tracking.ErrPersistence)
	assert.Len(t, f.calls, 3)
}

func TestUpdateWithRetry_DoesNotRetryNotFound(t *testing.T) {
	f := &fakeUpdater{failN: 5, err: tracking.ErrNotFound}
	err := updateWithRetry(context.Background(), f, tracking.LocationUpdate{TripID: "t"}, 3, time.Millisecond)
	assert.True(t, errors.Is(err, tracking.ErrNotFound))
	assert.Len(t, f.calls, 1)
}

func TestConsumer_RunAppliesAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"tripId":"trip1","role":"driver","lat":1,"lng":2}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Value: []byte(`{"tripId":"trip1","role":"rider","lat":1,"lng":2}`)},
	}}
	up := &fakeUpdater{}
	c := &Consumer{Reader: reader, Updater: up, Logger: zap.NewNop(), Attempts: 2, Delay: time.Millisecond}

	require.NoError(t, c.Run(ctx))
	require.Len(t, up.calls, 2)
	assert.Equal(t, models.RoleDriver, up.calls[0].Role)
	assert.Equal(t, models.RoleRider, up.calls[1].Role)
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
}
