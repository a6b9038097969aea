package badge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/realtime"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) MarkRead(ctx context.Context, id uuid.UUID, userID string) (*model.Notification, error) {
	args := m.Called(ctx, id, userID)
	n, _ := args.Get(0).(*model.Notification)
	return n, args.Error(1)
}

func (m *mockStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) MarkClicked(ctx context.Context, id, deviceID uuid.UUID, userID string) (*model.Notification, error) {
	args := m.Called(ctx, id, deviceID, userID)
	n, _ := args.Get(0).(*model.Notification)
	return n, args.Error(1)
}

func (m *mockStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) BroadcastToUser(ctx context.Context, userID, event string, data interface{}) {
	m.Called(ctx, userID, event, data)
}

func TestUpdateBadgeCount(t *testing.T) {
	ctx := context.Background()
	store, hub := &mockStore{}, &mockBroadcaster{}
	store.On("UnreadCount", ctx, "u1").Return(4, nil)
	hub.On("BroadcastToUser", ctx, "u1", realtime.EventBadgeUpdate, map[string]int{"count": 4}).Return()

	count, err := NewService(store, hub, logger.Nop()).UpdateBadgeCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	store.AssertExpectations(t)
	hub.AssertExpectations(t)
}

func TestMarkReadSyncsDevices(t *testing.T) {
	ctx := context.Background()
	store, hub := &mockStore{}, &mockBroadcaster{}
	readAt := time.Now()
	n := &model.Notification{ID: uuid.New(), UserID: "u1", IsRead: true, ReadAt: &readAt}

	// an empty caller user id still syncs the owner's devices
	store.On("MarkRead", ctx, n.ID, "").Return(n, nil)
	store.On("UnreadCount", ctx, "u1").Return(0, nil)
	hub.On("BroadcastToUser", ctx, "u1", realtime.EventReadSync, mock.Anything).Return()
	hub.On("BroadcastToUser", ctx, "u1", realtime.EventBadgeUpdate, map[string]int{"count": 0}).Return()

	got, err := NewService(store, hub, logger.Nop()).MarkRead(ctx, n.ID, "")
	require.NoError(t, err)
	assert.Equal(t, n, got)
	hub.AssertExpectations(t)
}

func TestMarkReadErrorDoesNotBroadcast(t *testing.T) {
	ctx := context.Background()
	store, hub := &mockStore{}, &mockBroadcaster{}
	store.On("MarkRead", ctx, mock.Anything, "u1").Return(nil, errors.New("db down"))

	_, err := NewService(store, hub, logger.Nop()).MarkRead(ctx, uuid.New(), "u1")
	assert.Error(t, err)
	hub.AssertNotCalled(t, "BroadcastToUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkAllReadBroadcastsAndRefreshesBadge(t *testing.T) {
	ctx := context.Background()
	store, hub := &mockStore{}, &mockBroadcaster{}
	store.On("MarkAllRead", ctx, "u1").Return(int64(3), nil)
	store.On("UnreadCount", ctx, "u1").Return(0, nil)
	hub.On("BroadcastToUser", ctx, "u1", realtime.EventAllRead, mock.Anything).Return()
	hub.On("BroadcastToUser", ctx, "u1", realtime.EventBadgeUpdate, map[string]int{"count": 0}).Return()

	count, err := NewService(store, hub, logger.Nop()).MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
	hub.AssertExpectations(t)
}

func TestMarkClickedSurvivesBadgeFailure(t *testing.T) {
	ctx := context.Background()
	store, hub := &mockStore{}, &mockBroadcaster{}
	n := &model.Notification{ID: uuid.New(), UserID: "u1", IsRead: true}
	deviceID := uuid.New()

	store.On("MarkClicked", ctx, n.ID, deviceID, "u1").Return(n, nil)
	store.On("UnreadCount", ctx, "u1").Return(0, errors.New("db down"))
	hub.On("BroadcastToUser", ctx, "u1", realtime.EventReadSync, mock.Anything).Return()

	got, err := NewService(store, hub, logger.Nop()).MarkClicked(ctx, n.ID, deviceID, "u1")
	require.NoError(t, err)
	assert.Equal(t, n, got)
	hub.AssertExpectations(t)
	hub.AssertNotCalled(t, "BroadcastToUser", ctx, "u1", realtime.EventBadgeUpdate, mock.Anything)
}
