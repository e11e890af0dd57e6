package route

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/openapigw/internal/observability"
)

// DefaultChangeChannel is the pub/sub channel route changes are announced on.
const DefaultChangeChannel = "channel:api:route:change"

// EventType is the kind of a route change.
type EventType string

// Route change kinds.
const (
	EventPublish    EventType = "PUBLISH"
	EventUpdate     EventType = "UPDATE"
	EventOffline    EventType = "OFFLINE"
	EventDelete     EventType = "DELETE"
	EventRefreshAll EventType = "REFRESH_ALL"
)

// ChangeEvent announces that a route was published, changed or withdrawn.
type ChangeEvent struct {
	EventType EventType `json:"eventType"`
	APIID     string    `json:"apiId"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	TenantID  string    `json:"tenantId,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// Apply updates the resolver for ev.
func (r *Resolver) Apply(ctx context.Context, ev ChangeEvent) error {
	switch EventType(strings.ToUpper(string(ev.EventType))) {
	case EventPublish, EventUpdate:
		if ev.APIID == "" {
			return fmt.Errorf("%s event without api id", ev.EventType)
		}
		return r.RefreshRoute(ctx, ev.APIID)
	case EventOffline, EventDelete:
		if ev.APIID != "" && r.Invalidate(ev.APIID) {
			return nil
		}
		if ev.Path != "" {
			method := ev.Method
			if method == "" {
				method = MethodAll
			}
			r.RemoveRoute(ev.Path, method)
		}
		return nil
	case EventRefreshAll:
		_, err := r.RefreshAll(ctx)
		return err
	default:
		return fmt.Errorf("unknown route event type %q", ev.EventType)
	}
}

// ChangeListener applies route change events received over Redis pub/sub.
// Other channels can be subscribed on the same connection.
type ChangeListener struct {
	client   *redis.Client
	channel  string
	resolver *Resolver
	timeout  time.Duration
	logger   observability.Logger
	onEvict  []func(apiID string)
	handlers map[string]PayloadHandler

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// PayloadHandler processes the raw payload of one pub/sub message.
type PayloadHandler func(ctx context.Context, payload string) error

// ListenerOption configures a ChangeListener.
type ListenerOption func(*ChangeListener)

// WithEvictHook runs fn with the api id of every applied event that
// publishes, changes or withdraws a single route.
func WithEvictHook(fn func(apiID string)) ListenerOption {
	return func(l *ChangeListener) {
		if fn != nil {
			l.onEvict = append(l.onEvict, fn)
		}
	}
}

// WithSubscription also subscribes to channel and passes its payloads to fn.
func WithSubscription(channel string, fn PayloadHandler) ListenerOption {
	return func(l *ChangeListener) {
		if channel != "" && fn != nil {
			l.handlers[channel] = fn
		}
	}
}

// NewChangeListener creates a listener for channel.
func NewChangeListener(
	client *redis.Client,
	channel string,
	resolver *Resolver,
	logger observability.Logger,
	opts ...ListenerOption,
) *ChangeListener {
	if channel == "" {
		channel = DefaultChangeChannel
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	l := &ChangeListener{
		client:   client,
		channel:  channel,
		resolver: resolver,
		timeout:  30 * time.Second,
		logger:   logger,
		handlers: make(map[string]PayloadHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	delete(l.handlers, channel)
	return l
}

// Channels returns every subscribed channel, the route channel first.
func (l *ChangeListener) Channels() []string {
	channels := []string{l.channel}
	for ch := range l.handlers {
		channels = append(channels, ch)
	}
	sort.Strings(channels[1:])
	return channels
}

// Start subscribes and processes events until Stop is called.
func (l *ChangeListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pubsub != nil {
		return nil
	}

	channels := l.Channels()
	pubsub := l.client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", strings.Join(channels, ","), err)
		}
	}

	l.pubsub = pubsub
	l.done = make(chan struct{})
	go l.loop(pubsub.Channel(), l.done)

	l.logger.Info("change listener started", observability.Strings("channels", channels))
	return nil
}

func (l *ChangeListener) loop(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		if msg.Channel == l.channel {
			l.handle(ctx, msg.Payload)
		} else if fn, ok := l.handlers[msg.Channel]; ok {
			if err := fn(ctx, msg.Payload); err != nil {
				l.logger.Warn("change event failed",
					observability.String("channel", msg.Channel),
					observability.Error(err),
				)
			}
		}
		cancel()
	}
}

func (l *ChangeListener) handle(ctx context.Context, payload string) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		l.logger.Warn("discarding malformed route event", observability.Error(err))
		return
	}

	if err := l.resolver.Apply(ctx, ev); err != nil {
		l.logger.Warn("route event failed",
			observability.String("event", string(ev.EventType)),
			observability.String("api_id", ev.APIID),
			observability.Error(err),
		)
		return
	}
	if ev.APIID != "" && EventType(strings.ToUpper(string(ev.EventType))) != EventRefreshAll {
		for _, fn := range l.onEvict {
			fn(ev.APIID)
		}
	}
	l.logger.Info("route event applied",
		observability.String("event", string(ev.EventType)),
		observability.String("api_id", ev.APIID),
	)
}

// Stop unsubscribes and waits for the in-flight event to finish.
func (l *ChangeListener) Stop() error {
	l.mu.Lock()
	pubsub, done := l.pubsub, l.done
	l.pubsub, l.done = nil, nil
	l.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
