package push

import (
	"context"
	"fmt"

	"github.com/jwalitptl/notification-hub/internal/model"
)

// Router sends through the sender registered for the subscription's provider.
type Router struct {
	senders map[string]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register binds a provider name to a sender. Nil senders are ignored so
// optional providers can be passed unconditionally.
func (r *Router) Register(provider string, s Sender) *Router {
	if s != nil {
		r.senders[provider] = s
	}
	return r
}

func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	return names
}

func (r *Router) Send(ctx context.Context, sub model.PushSubscription, msg Message) Result {
	s, ok := r.senders[sub.ProviderName()]
	if !ok {
		return transient(0, fmt.Errorf("no push sender configured for provider %q", sub.ProviderName()))
	}
	return s.Send(ctx, sub, msg)
}
