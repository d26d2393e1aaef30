package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/qmuter-tracking/internal/models"
)

type fakeDispatcher struct {
	err   error
	calls []models.Notification
}

func (f *fakeDispatcher) Deliver(_ context.Context, n models.Notification) error {
	f.calls = append(f.calls, n)
	return f.err
}

func sample() models.Notification {
	return models.Notification{ID: "n1", UserID: "u1", Type: models.NotificationArrival, Title: "Driver arrived", Message: "Your driver has arrived", CreatedAt: time.Now()}
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &fakeDispatcher{}
	offline := &fakeDispatcher{err: ErrNoSession}
	broken := &fakeDispatcher{err: errors.New("down")}

	err := Multi{ok, offline, broken}.Deliver(context.Background(), sample())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.NotErrorIs(t, err, ErrNoSession)
	assert.Len(t, ok.calls, 1)
	assert.Len(t, offline.calls, 1)
	assert.Len(t, broken.calls, 1)
}

func TestMulti_OfflineOnlyIsNotAnError(t *testing.T) {
	assert.NoError(t, Multi{&fakeDispatcher{err: ErrNoSession}}.Deliver(context.Background(), sample()))
}

func TestFCMDispatcher_Deliver(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewFCMDispatcher(srv.URL, "secret").Deliver(context.Background(), sample()))
	msg := got["message"].(map[string]any)
	assert.Equal(t, "user-u1", msg["topic"])
}

func TestFCMDispatcher_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewFCMDispatcher(srv.URL, "").Deliver(context.Background(), sample())
	assert.ErrorContains(t, err, "401")
}

type fakeWriter struct{ msgs []kafka.Message }

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}
func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_KeysByRecipient(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.Deliver(context.Background(), sample()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u1", string(w.msgs[0].Key))

	var n models.Notification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &n))
	assert.Equal(t, "n1", n.ID)
}

func TestWSRegistry_Deliver(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		reg.Add("u1", conn)
		close(registered)
	}))
	defer srv.Close()

	assert.ErrorIs(t, reg.Deliver(context.Background(), sample()), ErrNoSession)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	<-registered

	require.NoError(t, reg.Deliver(context.Background(), sample()))
	var n models.Notification
	require.NoError(t, client.ReadJSON(&n))
	assert.Equal(t, "Driver arrived", n.Title)
	assert.Equal(t, 1, reg.Len())
}
