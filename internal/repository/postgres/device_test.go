package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
	"github.com/jwalitptl/notification-hub/internal/repository/postgres"
	"github.com/jwalitptl/notification-hub/internal/testutil"
	apperrors "github.com/jwalitptl/notification-hub/pkg/errors"
)

func newDeviceRepo(t *testing.T) repository.DeviceRepository {
	return postgres.NewDeviceRepository(postgres.NewBaseRepository(testutil.NewDB(t)))
}

func webDevice(userID, endpoint string) *model.Device {
	d := &model.Device{UserID: userID, DeviceType: model.DeviceTypeWeb, DeviceName: "Chrome"}
	if endpoint != "" {
		d.PushEndpoint = &endpoint
		d.PushSubscription = &model.PushSubscription{
			Endpoint: endpoint,
			Keys:     model.PushKeys{P256dh: "p256", Auth: "auth"},
		}
	}
	return d
}

func TestDeviceUpsertByEndpoint(t *testing.T) {
	ctx := context.Background()
	repo := newDeviceRepo(t)

	first, err := repo.Upsert(ctx, webDevice("u1", "https://push.example/abc"))
	require.NoError(t, err)
	assert.True(t, first.IsOnline)
	require.NotNil(t, first.PushSubscription)
	assert.Equal(t, "p256", first.PushSubscription.Keys.P256dh)

	again := webDevice("u1", "https://push.example/abc")
	again.DeviceName = "Chrome on laptop"
	second, err := repo.Upsert(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Chrome on laptop", second.DeviceName)

	// same endpoint for another user is a different device
	other, err := repo.Upsert(ctx, webDevice("u2", "https://push.example/abc"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	// no endpoint always creates
	a, err := repo.Upsert(ctx, webDevice("u1", ""))
	require.NoError(t, err)
	b, err := repo.Upsert(ctx, webDevice("u1", ""))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Nil(t, a.PushSubscription)

	devices, err := repo.ListByUser(ctx, "u1", false)
	require.NoError(t, err)
	assert.Len(t, devices, 3)
}

func TestDeviceLiveConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newDeviceRepo(t)

	d, err := repo.Upsert(ctx, webDevice("u1", ""))
	require.NoError(t, err)

	require.NoError(t, repo.SetLiveConnection(ctx, d.ID, "u1", "c1", time.Now()))
	found, err := repo.FindByConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, found.ID)
	assert.True(t, found.HasLiveConnection())

	// wrong owner is rejected
	err = repo.SetLiveConnection(ctx, d.ID, "u2", "c9", time.Now())
	assert.True(t, apperrors.IsNotFound(err))

	// a newer connection replaces c1; the stale disconnect must not clear it
	require.NoError(t, repo.SetLiveConnection(ctx, d.ID, "u1", "c2", time.Now()))
	n, err := repo.ClearLiveConnection(ctx, "c1", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LiveConnectionID)
	assert.Equal(t, "c2", *got.LiveConnectionID)

	n, err = repo.ClearLiveConnection(ctx, "c2", time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err = repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOnline)
	assert.Nil(t, got.LiveConnectionID)

	_, err = repo.FindByConnection(ctx, "c2")
	assert.True(t, apperrors.IsNotFound(err))

	online, err := repo.ListByUser(ctx, "u1", true)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestDeviceDeleteAndSweep(t *testing.T) {
	ctx := context.Background()
	repo := newDeviceRepo(t)

	d, err := repo.Upsert(ctx, webDevice("u1", ""))
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, d.ID))
	assert.True(t, apperrors.IsNotFound(repo.Delete(ctx, d.ID)))
	assert.True(t, apperrors.IsNotFound(repo.Delete(ctx, uuid.New())))

	_, err = repo.Upsert(ctx, webDevice("u1", ""))
	require.NoError(t, err)

	n, err := repo.DeleteInactive(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.DeleteInactive(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDeviceSettings(t *testing.T) {
	ctx := context.Background()
	repo := newDeviceRepo(t)

	d, err := repo.Upsert(ctx, webDevice("u1", ""))
	require.NoError(t, err)
	assert.Empty(t, d.Settings)

	require.NoError(t, repo.UpdateSettings(ctx, d.ID, model.Settings{"promo": false}))
	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, got.Settings.Allows("promo"))
	assert.True(t, got.Settings.Allows("order_assigned"))

	assert.True(t, apperrors.IsNotFound(repo.UpdateSettings(ctx, uuid.New(), model.Settings{})))
}

func TestDeviceReleaseLiveConnection(t *testing.T) {
	ctx := context.Background()
	repo := newDeviceRepo(t)

	d, err := repo.Upsert(ctx, webDevice("u1", ""))
	require.NoError(t, err)
	other, err := repo.Upsert(ctx, webDevice("u2", ""))
	require.NoError(t, err)

	require.NoError(t, repo.SetLiveConnection(ctx, d.ID, "u1", "c1", time.Now()))
	require.NoError(t, repo.SetLiveConnection(ctx, other.ID, "u2", "c1", time.Now()))

	// only the named device is released
	n, err := repo.ReleaseLiveConnection(ctx, d.ID, "c1", time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOnline)
	assert.Nil(t, got.LiveConnectionID)

	found, err := repo.FindByConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, other.ID, found.ID)

	// a device that moved to another connection keeps it
	require.NoError(t, repo.SetLiveConnection(ctx, d.ID, "u1", "c2", time.Now()))
	n, err = repo.ReleaseLiveConnection(ctx, d.ID, "c1", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err = repo.Get(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LiveConnectionID)
	assert.Equal(t, "c2", *got.LiveConnectionID)
}

func TestDeviceConcurrentUpsertKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := postgres.NewDeviceRepository(postgres.NewBaseRepository(db))

	const workers = 8
	ids := make([]uuid.UUID, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := repo.Upsert(ctx, webDevice("u1", "https://push.example/same"))
			errs[i] = err
			if err == nil {
				ids[i] = d.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, countRows(t, db, "devices"))
}

func TestDeviceReregisterKeepsSettings(t *testing.T) {
	ctx := context.Background()
	repo := newDeviceRepo(t)

	d, err := repo.Upsert(ctx, webDevice("u1", "https://push.example/abc"))
	require.NoError(t, err)
	require.NoError(t, repo.UpdateSettings(ctx, d.ID, model.Settings{"order_assigned": false}))

	again, err := repo.Upsert(ctx, webDevice("u1", "https://push.example/abc"))
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
	assert.False(t, again.Settings.Allows("order_assigned"))
}

func TestDeviceEndpointIsUniquePerUser(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := postgres.NewDeviceRepository(postgres.NewBaseRepository(db))

	_, err := repo.Upsert(ctx, webDevice("u1", "https://push.example/abc"))
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = db.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, push_endpoint, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New(), "u1", "https://push.example/abc", now, now, now)
	assert.Error(t, err)

	// devices without an endpoint are not constrained
	for i := 0; i < 2; i++ {
		_, err = db.ExecContext(ctx, `
			INSERT INTO devices (id, user_id, last_seen, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.New(), "u1", now, now, now)
		require.NoError(t, err)
	}
}
