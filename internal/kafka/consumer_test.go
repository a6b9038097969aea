package kafka

import (
	"context"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/service/delivery"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []model.DomainEvent
}

func (r *recordingNotifier) SendToMultipleUsers(_ context.Context, userIDs []string, input model.NotificationInput) (delivery.BulkResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, model.DomainEvent{UserIDs: userIDs, Type: input.Type, Title: input.Title})
	return delivery.BulkResult{Successful: len(userIDs)}, nil
}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32                        { return map[string][]int32{"events": {0}} }
func (s *fakeSession) MemberID() string                                  { return "member" }
func (s *fakeSession) GenerationID() int32                               { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)           {}
func (s *fakeSession) Commit()                                           {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)          {}
func (s *fakeSession) Context() context.Context                          { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) { s.marked = append(s.marked, msg.Offset) }

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "events" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumeClaimDispatchesValidEvents(t *testing.T) {
	notifier := &recordingNotifier{}
	c := NewConsumer("events", nil, notifier, logger.Nop())

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 4)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: []byte(`{"user_ids":["u1","u2"],"type":"order_assigned","title":"New Order"}`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 2, Value: []byte(`not json`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 3, Value: []byte(`{"user_ids":[],"type":"order_assigned","title":"nobody"}`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 4, Value: []byte(`{"user_ids":["u3"],"type":"order_completed","title":"Done"}`)}
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{1, 2, 3, 4}, session.marked)
	require.Len(t, notifier.calls, 2)
	assert.Equal(t, []string{"u1", "u2"}, notifier.calls[0].UserIDs)
	assert.Equal(t, "order_completed", notifier.calls[1].Type)
}

func TestConsumeClaimStopsWithSession(t *testing.T) {
	c := NewConsumer("events", nil, &recordingNotifier{}, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.ConsumeClaim(&fakeSession{ctx: ctx}, &fakeClaim{messages: make(chan *sarama.ConsumerMessage)})
	assert.NoError(t, err)
}
