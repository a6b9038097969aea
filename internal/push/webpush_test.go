package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/circuitbreaker"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

func testSubscription(t *testing.T, endpoint string) model.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	return model.PushSubscription{
		Endpoint: endpoint,
		Keys: model.PushKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func newTestWebPush(t *testing.T, maxFailures int) *WebPushSender {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	require.NoError(t, err)

	s, err := NewWebPushSender(WebPushOptions{
		VAPID:   VAPIDConfig{PublicKey: pub, PrivateKey: priv, Subject: "ops@example.com"},
		TTL:     time.Hour,
		Timeout: 5 * time.Second,
		Breaker: circuitbreaker.Settings{MaxFailures: maxFailures, Timeout: time.Minute},
	}, logger.Nop())
	require.NoError(t, err)
	return s
}

func statusServer(t *testing.T, status int, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebPushRequiresVAPID(t *testing.T) {
	_, err := NewWebPushSender(WebPushOptions{}, logger.Nop())
	assert.Error(t, err)
}

func TestWebPushClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		outcome Outcome
	}{
		{"created", http.StatusCreated, OutcomeSuccess},
		{"gone", http.StatusGone, OutcomePermanent},
		{"not found", http.StatusNotFound, OutcomePermanent},
		{"server error", http.StatusInternalServerError, OutcomeTransient},
		{"rate limited", http.StatusTooManyRequests, OutcomeTransient},
		{"bad request", http.StatusBadRequest, OutcomeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := statusServer(t, tt.status, &hits)
			sender := newTestWebPush(t, 5)

			res := sender.Send(context.Background(), testSubscription(t, srv.URL+"/push/1"), Message{Title: "hi"})
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
			if tt.outcome != OutcomeSuccess {
				assert.NotEmpty(t, res.Detail())
			}
		})
	}
}

func TestWebPushBreakerOpensOnProviderErrors(t *testing.T) {
	var hits int32
	srv := statusServer(t, http.StatusServiceUnavailable, &hits)
	sender := newTestWebPush(t, 2)
	sub := testSubscription(t, srv.URL)

	sender.Send(context.Background(), sub, Message{})
	sender.Send(context.Background(), sub, Message{})
	res := sender.Send(context.Background(), sub, Message{})

	assert.Equal(t, OutcomeTransient, res.Outcome)
	assert.ErrorIs(t, res.Err, circuitbreaker.ErrOpen)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestWebPushGoneDoesNotTripBreaker(t *testing.T) {
	var hits int32
	srv := statusServer(t, http.StatusGone, &hits)
	sender := newTestWebPush(t, 2)
	sub := testSubscription(t, srv.URL)

	for i := 0; i < 4; i++ {
		res := sender.Send(context.Background(), sub, Message{})
		assert.True(t, res.Permanent())
	}
	assert.EqualValues(t, 4, atomic.LoadInt32(&hits))
}

func TestWebPushTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := newTestWebPush(t, 5).Send(context.Background(), testSubscription(t, url), Message{})
	assert.Equal(t, OutcomeTransient, res.Outcome)
	assert.Zero(t, res.StatusCode)
	assert.Error(t, res.Err)
}
