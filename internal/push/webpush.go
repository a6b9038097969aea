package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/circuitbreaker"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

func (c VAPIDConfig) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

type WebPushOptions struct {
	VAPID   VAPIDConfig
	TTL     time.Duration
	Timeout time.Duration
	Breaker circuitbreaker.Settings
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// WebPushSender delivers to browser subscriptions with VAPID authentication.
type WebPushSender struct {
	opts    WebPushOptions
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logger.Logger
}

func NewWebPushSender(opts WebPushOptions, log *logger.Logger) (*WebPushSender, error) {
	if !opts.VAPID.Enabled() {
		return nil, errors.New("web push requires VAPID keys")
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if opts.Breaker.Name == "" {
		opts.Breaker.Name = model.ProviderWebPush
	}
	if opts.Breaker.OnStateChange == nil {
		opts.Breaker.OnStateChange = func(name, from, to string) {
			log.Warn("push breaker state changed", "breaker", name, "from", from, "to", to)
		}
	}

	return &WebPushSender{
		opts:    opts,
		client:  client,
		breaker: circuitbreaker.NewCircuitBreaker(opts.Breaker),
		logger:  log,
	}, nil
}

func (s *WebPushSender) Send(ctx context.Context, sub model.PushSubscription, msg Message) Result {
	payload, err := json.Marshal(msg)
	if err != nil {
		return transient(0, fmt.Errorf("failed to encode push payload: %w", err))
	}

	urgency := webpush.UrgencyNormal
	if msg.Urgent() {
		urgency = webpush.UrgencyHigh
	}
	options := &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.opts.VAPID.Subject,
		VAPIDPublicKey:  s.opts.VAPID.PublicKey,
		VAPIDPrivateKey: s.opts.VAPID.PrivateKey,
		TTL:             int(s.opts.TTL.Seconds()),
		Urgency:         urgency,
	}
	subscription := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}

	var res Result
	err = s.breaker.Execute(func() error {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, subscription, options)
		if err != nil {
			res = transient(0, err)
			return err
		}
		defer resp.Body.Close()

		res = classifyWebPush(resp)
		if countsAgainstProvider(res.StatusCode) {
			return res.Err
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return transient(0, err)
	}
	return res
}

func classifyWebPush(resp *http.Response) Result {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return succeeded(code)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("web push rejected: %s", http.StatusText(code))
	if len(body) > 0 {
		err = fmt.Errorf("web push rejected: %s", string(body))
	}

	switch code {
	case http.StatusNotFound, http.StatusGone:
		return permanent(code, err)
	default:
		return transient(code, err)
	}
}

// Only provider-side trouble trips the breaker; a bad subscription says
// nothing about the provider's health.
func countsAgainstProvider(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// GenerateVAPIDKeys returns a fresh base64url key pair.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
