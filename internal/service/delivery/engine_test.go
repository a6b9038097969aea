package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/push"
	"github.com/jwalitptl/notification-hub/internal/repository/postgres"
	"github.com/jwalitptl/notification-hub/internal/service/delivery"
	"github.com/jwalitptl/notification-hub/internal/service/device"
	"github.com/jwalitptl/notification-hub/internal/service/notification"
	dbtest "github.com/jwalitptl/notification-hub/internal/testutil"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type fakeLive struct {
	mu        sync.Mutex
	conns     map[string]bool
	panics    map[string]bool
	delivered map[string][]uuid.UUID
}

func newFakeLive() *fakeLive {
	return &fakeLive{conns: make(map[string]bool), panics: make(map[string]bool), delivered: make(map[string][]uuid.UUID)}
}

func (f *fakeLive) explodeOn(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panics[id] = true
}

func (f *fakeLive) connect(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[id] = true
}

func (f *fakeLive) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, id)
}

func (f *fakeLive) Deliver(connectionID string, _ uuid.UUID, n *model.Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[connectionID] {
		panic("connection " + connectionID + " exploded")
	}
	if !f.conns[connectionID] {
		return false
	}
	f.delivered[connectionID] = append(f.delivered[connectionID], n.ID)
	return true
}

// fakePusher replays scripted results per endpoint; the last result repeats.
type fakePusher struct {
	mu      sync.Mutex
	scripts map[string][]push.Result
	calls   map[string]int
}

func newFakePusher() *fakePusher {
	return &fakePusher{scripts: make(map[string][]push.Result), calls: make(map[string]int)}
}

func (f *fakePusher) script(endpoint string, results ...push.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[endpoint] = results
}

func (f *fakePusher) callsTo(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakePusher) Send(_ context.Context, sub model.PushSubscription, _ push.Message) push.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls[sub.Endpoint]
	f.calls[sub.Endpoint]++
	script := f.scripts[sub.Endpoint]
	if len(script) == 0 {
		return push.Result{Outcome: push.OutcomeSuccess, StatusCode: 201}
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i]
}

type fakeBadges struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeBadges) UpdateBadgeCount(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return 0, nil
}

type harness struct {
	engine  *delivery.Engine
	devices *device.Service
	store   *notification.Service
	live    *fakeLive
	pusher  *fakePusher
	badges  *fakeBadges
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, opts delivery.Options, wrap func(delivery.Store) delivery.Store) *harness {
	t.Helper()
	base := postgres.NewBaseRepository(dbtest.NewDB(t))
	m := metrics.New("test")
	h := &harness{
		devices: device.NewService(postgres.NewDeviceRepository(base), nil, m, logger.Nop()),
		store: notification.NewService(
			postgres.NewNotificationRepository(base),
			postgres.NewDeliveryStatusRepository(base),
			m, logger.Nop()),
		live:    newFakeLive(),
		pusher:  newFakePusher(),
		badges:  &fakeBadges{},
		metrics: m,
	}
	var store delivery.Store = h.store
	if wrap != nil {
		store = wrap(store)
	}
	h.engine = delivery.NewEngine(store, h.devices, h.live, h.pusher, h.badges, opts, m, logger.Nop())
	return h
}

func (h *harness) register(t *testing.T, userID, endpoint string) *model.Device {
	t.Helper()
	info := model.DeviceInfo{DeviceType: model.DeviceTypeWeb}
	if endpoint != "" {
		info.PushSubscription = &model.PushSubscription{
			Endpoint: endpoint,
			Keys:     model.PushKeys{P256dh: "p", Auth: "a"},
		}
	}
	d, err := h.devices.Register(context.Background(), userID, info)
	require.NoError(t, err)
	return d
}

func (h *harness) goLive(t *testing.T, d *model.Device, connectionID string) {
	t.Helper()
	require.NoError(t, h.devices.SetLiveConnection(context.Background(), d.ID, d.UserID, connectionID))
	h.live.connect(connectionID)
}

func (h *harness) statuses(t *testing.T, n *model.Notification) map[uuid.UUID]*model.DeliveryStatus {
	t.Helper()
	list, err := h.store.DeliveryStatuses(context.Background(), n.ID)
	require.NoError(t, err)
	out := make(map[uuid.UUID]*model.DeliveryStatus, len(list))
	for _, ds := range list {
		out[ds.DeviceID] = ds
	}
	require.Len(t, out, len(list), "one row per device")
	return out
}

var orderAssigned = model.NotificationInput{Type: "order_assigned", Title: "New Order", Body: "Order #17 is yours"}

func TestSendWithoutDevices(t *testing.T) {
	h := newHarness(t, delivery.Options{}, nil)

	n, err := h.engine.SendNotification(context.Background(), "u1", orderAssigned)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, n.ID)
	assert.Empty(t, h.statuses(t, n))
	assert.Empty(t, h.badges.users)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, delivery.Options{}, nil)
	_, err := h.engine.SendNotification(context.Background(), "", orderAssigned)
	assert.Error(t, err)
}

func TestLiveDeviceUsesRealtimePushOnlyUsesPush(t *testing.T) {
	h := newHarness(t, delivery.Options{}, nil)
	ctx := context.Background()

	a := h.register(t, "u1", "")
	b := h.register(t, "u1", "https://push.example/b")
	h.goLive(t, a, "c1")

	n, err := h.engine.SendNotification(ctx, "u1", orderAssigned)
	require.NoError(t, err)

	st := h.statuses(t, n)
	require.Len(t, st, 2)
	assert.Equal(t, model.DeliveryDelivered, st[a.ID].Status)
	assert.Equal(t, model.DeliveryDelivered, st[b.ID].Status)
	assert.NotNil(t, st[b.ID].DeliveredAt)
	assert.Equal(t, []uuid.UUID{n.ID}, h.live.delivered["c1"])
	assert.Equal(t, 1, h.pusher.callsTo("https://push.example/b"))
	assert.Equal(t, []string{"u1"}, h.badges.users)

	list, err := h.store.DeliveryStatuses(ctx, n.ID)
	require.NoError(t, err)
	sum := model.Summarize(list)
	assert.Equal(t, 2, sum.Delivered)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, sum.DeliveredDevices)

	// after disconnect, a device with no subscription has no channel left
	require.NoError(t, h.devices.ClearLiveConnection(ctx, "c1"))
	h.live.drop("c1")

	n2, err := h.engine.SendNotification(ctx, "u1", orderAssigned)
	require.NoError(t, err)
	st = h.statuses(t, n2)
	assert.Equal(t, model.DeliverySent, st[a.ID].Status)
	assert.Nil(t, st[a.ID].DeliveredAt)
	assert.Equal(t, model.DeliveryDelivered, st[b.ID].Status)
}

func TestDisconnectedDeviceFallsBackToPush(t *testing.T) {
	h := newHarness(t, delivery.Options{}, nil)
	ctx := context.Background()

	a := h.register(t, "u1", "https://push.example/a")
	h.goLive(t, a, "c1")

	n, err := h.engine.SendNotification(ctx, "u1", orderAssigned)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, h.statuses(t, n)[a.ID].Status)
	assert.Zero(t, h.pusher.callsTo("https://push.example/a"))

	require.NoError(t, h.devices.ClearLiveConnection(ctx, "c1"))
	h.live.drop("c1")

	n, err = h.engine.SendNotification(ctx, "u1", orderAssigned)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, h.statuses(t, n)[a.ID].Status)
	assert.Equal(t, 1, h.pusher.callsTo("https://push.example/a"))
}

func TestStaleLiveConnectionFallsBackToPush(t *testing.T) {
	h := newHarness(t, delivery.Options{}, nil)
	a := h.register(t, "u1", "https://push.example/a")
	// the registry still says live but the channel no longer knows c1
	require.NoError(t, h.devices.SetLiveConnection(context.Background(), a.ID, "u1", "c1"))

	n, err := h.engine.SendNotification(context.Background(), "u1", orderAssigned)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, h.statuses(t, n)[a.ID].Status)
	assert.Equal(t, 1, h.pusher.callsTo("https://push.example/a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeliveryAttempts.WithLabelValues(metrics.ChannelRealtime, delivery.OutcomeUnreachable)))
}

func TestPermanentPushFailureRemovesDevice(t *testing.T) {
	h := newHarness(t, delivery.Options{MaxRetries: 3, RetryInitial: time.Millisecond}, nil)
	ctx := context.Background()

	gone := h.register(t, "u1", "https://push.example/gone")
	ok := h.register(t, "u1", "https://push.example/ok")
	h.pusher.script("https://push.example/gone", push.Result{Outcome: push.OutcomePermanent, StatusCode: 410, Err: errors.New("push subscription has unsubscribed or expired")})

	n, err := h.engine.SendNotification(ctx, "u1", orderAssigned)
	require.NoError(t, err)

	st := h.statuses(t, n)
	require.Len(t, st, 2)
	assert.Equal(t, model.DeliveryFailed, st[gone.ID].Status)
	require.NotNil(t, st[gone.ID].ErrorMessage)
	assert.Contains(t, *st[gone.ID].ErrorMessage, "410")
	assert.Equal(t, model.DeliveryDelivered, st[ok.ID].Status)
	assert.Equal(t, 1, h.pusher.callsTo("https://push.example/gone"), "permanent failures are not retried")

	devices, err := h.devices.ListDevices(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, ok.ID, devices[0].ID)
}

func TestTransientPushFailureWithoutRetry(t *testing.T) {
	h := newHarness(t, delivery.Options{}, nil)
	d := h.register(t, "u1", "https://push.example/flaky")
	h.pusher.script("https://push.example/flaky", push.Result{Outcome: push.OutcomeTransient, StatusCode: 503, Err: errors.New("unavailable")})

	n, err := h.engine.SendNotification(context.Background(), "u1", orderAssigned)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, h.statuses(t, n)[d.ID].Status)
	assert.Equal(t, 1, h.pusher.callsTo("https://push.example/flaky"))

	devices, err := h.devices.ListDevices(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.Len(t, devices, 1, "transient failures keep the device")
}

func TestTransientPushFailureRetried(t *testing.T) {
	h := newHarness(t, delivery.Options{MaxRetries: 2, RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond}, nil)
	d := h.register(t, "u1", "https://push.example/flaky")
	unavailable := push.Result{Outcome: push.OutcomeTransient, StatusCode: 503, Err: errors.New("unavailable")}
	h.pusher.script("https://push.example/flaky", unavailable, unavailable, push.Result{Outcome: push.OutcomeSuccess, StatusCode: 201})

	n, err := h.engine.SendNotification(context.Background(), "u1", orderAssigned)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, h.statuses(t, n)[d.ID].Status)
	assert.Equal(t, 3, h.pusher.callsTo("https://push.example/flaky"))
}

func TestMutedDeviceIsSkipped(t *testing.T) {
	h := newHarness(t, delivery.Options{}, nil)
	d := h.register(t, "u1", "https://push.example/muted")
	_, err := h.devices.UpdateSettings(context.Background(), d.ID, model.Settings{"order_assigned": false})
	require.NoError(t, err)

	n, err := h.engine.SendNotification(context.Background(), "u1", orderAssigned)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, h.statuses(t, n)[d.ID].Status)
	assert.Zero(t, h.pusher.callsTo("https://push.example/muted"))
}

func TestOneRowPerDevice(t *testing.T) {
	h := newHarness(t, delivery.Options{MaxConcurrency: 3}, nil)
	const devices = 8
	for i := 0; i < devices; i++ {
		endpoint := ""
		if i%2 == 0 {
			endpoint = fmt.Sprintf("https://push.example/%d", i)
		}
		if i%4 == 0 {
			h.pusher.script(endpoint, push.Result{Outcome: push.OutcomeTransient, Err: errors.New("timeout")})
		}
		d := h.register(t, "u1", endpoint)
		if i%3 == 0 {
			h.goLive(t, d, fmt.Sprintf("c%d", i))
		}
	}

	n, err := h.engine.SendNotification(context.Background(), "u1", orderAssigned)
	require.NoError(t, err)

	st := h.statuses(t, n)
	assert.Len(t, st, devices)
	for _, ds := range st {
		assert.Contains(t, []model.DeliveryState{model.DeliverySent, model.DeliveryDelivered, model.DeliveryFailed}, ds.Status)
	}
}

// failingStore rejects notification writes for one user, delivery rows for
// one device and delivered transitions for another.
type failingStore struct {
	delivery.Store
	userID       string
	statusDevice uuid.UUID
	markDevice   uuid.UUID

	mu      sync.Mutex
	failIDs map[uuid.UUID]bool
}

func (f *failingStore) Create(ctx context.Context, userID string, input model.NotificationInput) (*model.Notification, error) {
	if userID == f.userID {
		return nil, errors.New("insert failed")
	}
	return f.Store.Create(ctx, userID, input)
}

func (f *failingStore) CreateDeliveryStatus(ctx context.Context, notificationID, deviceID uuid.UUID) (*model.DeliveryStatus, error) {
	if deviceID == f.statusDevice {
		return nil, errors.New("delivery row insert failed")
	}
	ds, err := f.Store.CreateDeliveryStatus(ctx, notificationID, deviceID)
	if err == nil && deviceID == f.markDevice {
		f.mu.Lock()
		if f.failIDs == nil {
			f.failIDs = make(map[uuid.UUID]bool)
		}
		f.failIDs[ds.ID] = true
		f.mu.Unlock()
	}
	return ds, err
}

func (f *failingStore) MarkDelivered(ctx context.Context, deliveryID uuid.UUID) error {
	f.mu.Lock()
	fail := f.failIDs[deliveryID]
	f.mu.Unlock()
	if fail {
		return errors.New("status update failed")
	}
	return f.Store.MarkDelivered(ctx, deliveryID)
}

func TestSendToMultipleUsersIsolatesFailures(t *testing.T) {
	h := newHarness(t, delivery.Options{}, func(s delivery.Store) delivery.Store {
		return &failingStore{Store: s, userID: "u2"}
	})
	for _, u := range []string{"u1", "u2", "u3"} {
		h.register(t, u, "https://push.example/"+u)
	}

	res, err := h.engine.SendToMultipleUsers(context.Background(), []string{"u1", "u2", "u3"}, orderAssigned)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)

	for _, r := range res.Results {
		if r.UserID == "u2" {
			assert.Nil(t, r.NotificationID)
			assert.Contains(t, r.Error, "insert failed")
			continue
		}
		require.NotNil(t, r.NotificationID)
		n, err := h.store.Get(context.Background(), *r.NotificationID)
		require.NoError(t, err)
		assert.Equal(t, r.UserID, n.UserID)
	}

	_, err = h.engine.SendToMultipleUsers(context.Background(), nil, orderAssigned)
	assert.Error(t, err)
}

func TestSendTestNotification(t *testing.T) {
	h := newHarness(t, delivery.Options{}, nil)
	n, err := h.engine.SendTestNotification(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "system_test", n.Type)
	assert.Equal(t, true, n.Data["test"])
}

func TestStoreFailureForOneDeviceLeavesOthersIntact(t *testing.T) {
	var fs *failingStore
	h := newHarness(t, delivery.Options{}, func(s delivery.Store) delivery.Store {
		fs = &failingStore{Store: s}
		return fs
	})
	ctx := context.Background()

	broken := h.register(t, "u1", "https://push.example/broken")
	stuck := h.register(t, "u1", "https://push.example/stuck")
	live := h.register(t, "u1", "")
	ok := h.register(t, "u1", "https://push.example/ok")
	h.goLive(t, live, "c1")
	fs.statusDevice = broken.ID
	fs.markDevice = stuck.ID

	n, err := h.engine.SendNotification(ctx, "u1", orderAssigned)
	require.NoError(t, err)
	require.NotNil(t, n)

	st := h.statuses(t, n)
	require.Len(t, st, 3)
	assert.NotContains(t, st, broken.ID)
	assert.Equal(t, model.DeliverySent, st[stuck.ID].Status, "a failed transition leaves the row as sent")
	assert.Equal(t, model.DeliveryDelivered, st[live.ID].Status)
	assert.Equal(t, model.DeliveryDelivered, st[ok.ID].Status)
	assert.Zero(t, h.pusher.callsTo("https://push.example/broken"), "no row, no attempt")
	assert.Equal(t, 1, h.pusher.callsTo("https://push.example/ok"))
	assert.Equal(t, []string{"u1"}, h.badges.users)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeliveryAttempts.WithLabelValues("none", delivery.OutcomeStoreError)))
}

func TestPanickingChannelDoesNotAbortOtherDevices(t *testing.T) {
	h := newHarness(t, delivery.Options{MaxConcurrency: 2}, nil)
	ctx := context.Background()

	bad := h.register(t, "u1", "")
	good := h.register(t, "u1", "")
	pushed := h.register(t, "u1", "https://push.example/pushed")
	h.goLive(t, bad, "c-bad")
	h.goLive(t, good, "c-good")
	h.live.explodeOn("c-bad")

	n, err := h.engine.SendNotification(ctx, "u1", orderAssigned)
	require.NoError(t, err)

	st := h.statuses(t, n)
	require.Len(t, st, 3)
	assert.Equal(t, model.DeliverySent, st[bad.ID].Status)
	assert.Equal(t, model.DeliveryDelivered, st[good.ID].Status)
	assert.Equal(t, model.DeliveryDelivered, st[pushed.ID].Status)
	assert.Equal(t, []uuid.UUID{n.ID}, h.live.delivered["c-good"])
	assert.Equal(t, []string{"u1"}, h.badges.users)
}
