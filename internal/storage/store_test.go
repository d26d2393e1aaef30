package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/qmuter-tracking/internal/models"
)

func newSession(tripID, driverID, riderID string, updated time.Time) *models.TrackingSession {
	return &models.TrackingSession{
		TripID:          tripID,
		DriverID:        driverID,
		RiderID:         riderID,
		RouteID:         "route-1",
		PickupLocation:  models.GeoPoint{Lat: -36.85, Lng: 174.76},
		DropoffLocation: models.GeoPoint{Lat: -36.90, Lng: 174.80},
		Status:          models.StatusEnRouteToPickup,
		CreatedAt:       updated,
		UpdatedAt:       updated,
	}
}

type storeUnderTest interface {
	SessionStore
	NotificationStore
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) storeUnderTest) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newSession("t1", "d1", "r1", now)))

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "d1", got.DriverID)
		assert.Equal(t, models.StatusEnRouteToPickup, got.Status)
		assert.True(t, now.Equal(got.UpdatedAt))
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newSession("t1", "d1", "r1", now)))
		assert.ErrorIs(t, s.Create(ctx, newSession("t1", "d2", "r2", now)), ErrAlreadyExists)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(ctx, "nope", func(*models.TrackingSession) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateAbortsOnFnError", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newSession("t1", "d1", "r1", now)))
		boom := assert.AnError
		_, err := s.Update(ctx, "t1", func(sess *models.TrackingSession) error {
			sess.DriverETA = 99
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 0, got.DriverETA)
	})

	t.Run("UpdateConcurrent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newSession("t1", "d1", "r1", now)))
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "t1", func(sess *models.TrackingSession) error {
					sess.DriverETA++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 5, got.DriverETA)
	})

	t.Run("ListActiveByUser", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newSession("t1", "alice", "bob", now)))
		require.NoError(t, s.Create(ctx, newSession("t2", "carol", "alice", now)))
		require.NoError(t, s.Create(ctx, newSession("t3", "alice", "dave", now)))
		_, err := s.Update(ctx, "t3", func(sess *models.TrackingSession) error {
			sess.Status = models.StatusCompleted
			return nil
		})
		require.NoError(t, err)

		got, err := s.ListActiveByUser(ctx, "alice")
		require.NoError(t, err)
		ids := []string{}
		for _, g := range got {
			ids = append(ids, g.TripID)
		}
		assert.ElementsMatch(t, []string{"t1", "t2"}, ids)
	})

	t.Run("DeleteRetiredBefore", func(t *testing.T) {
		s := newStore(t)
		old := now.Add(-48 * time.Hour)
		for _, id := range []string{"done-old", "done-new", "active-old"} {
			require.NoError(t, s.Create(ctx, newSession(id, "d", "r", old)))
		}
		for id, ts := range map[string]time.Time{"done-old": old, "done-new": now} {
			ts := ts
			_, err := s.Update(ctx, id, func(sess *models.TrackingSession) error {
				sess.Status = models.StatusCompleted
				sess.UpdatedAt = ts
				return nil
			})
			require.NoError(t, err)
		}

		n, err := s.DeleteRetiredBefore(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "done-old")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "done-new")
		assert.NoError(t, err)
		_, err = s.Get(ctx, "active-old")
		assert.NoError(t, err)
	})

	t.Run("Notifications", func(t *testing.T) {
		s := newStore(t)
		for i, title := range []string{"first", "second", "third"} {
			require.NoError(t, s.CreateNotification(ctx, &models.Notification{
				ID:        title,
				UserID:    "u1",
				Type:      models.NotificationDriverETA,
				Title:     title,
				Data:      map[string]any{"tripId": "t1"},
				CreatedAt: now.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, s.CreateNotification(ctx, &models.Notification{ID: "other", UserID: "u2", CreatedAt: now}))

		got, err := s.ListNotifications(ctx, "u1", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "third", got[0].Title)
		assert.Equal(t, "second", got[1].Title)
		assert.Equal(t, "t1", got[0].Data["tripId"])
		assert.False(t, got[0].Read)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) storeUnderTest { return NewMemoryStore() })
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) storeUnderTest {
		mr := miniredis.RunT(t)
		s := NewRedisStore(mr.Addr(), "")
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisStore_CreateRollsBackOnIndexFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), "")
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	// a string where the driver's trip set belongs makes SADD fail
	require.NoError(t, mr.Set(userKey("d1"), "oops"))
	err := s.Create(ctx, newSession("t1", "d1", "r1", time.Now()))
	require.Error(t, err)

	_, err = s.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists(sessionKey("t1")))

	mr.Del(userKey("d1"))
	require.NoError(t, s.Create(ctx, newSession("t1", "d1", "r1", time.Now())))
	active, err := s.ListActiveByUser(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	active, err = s.ListActiveByUser(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	runStoreContract(t, func(t *testing.T) storeUnderTest {
		s, err := NewPostgresStore(dsn)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(context.Background()))
		_, err = s.db.Exec(`TRUNCATE tracking_sessions, notifications`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
