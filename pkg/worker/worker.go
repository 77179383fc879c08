package worker

import (
	"context"
	"errors"
	"sort"
	"time"

	"modsync/internal"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/charmbracelet/log"
)

// Handler processes one module event. A returned error is retried and then
// nacks the message for redelivery.
type Handler func(ctx context.Context, evt Event) error

// Worker consumes module events published by modsync refreshes. Every topic
// is subscribed on every driver; a watermill router merges the streams.
type Worker struct {
	router       *message.Router
	subscribers  map[string]message.Subscriber
	topics       []string
	repositories map[string]struct{}
	logger       *log.Logger

	retries    int
	retryDelay time.Duration
	timeout    time.Duration
	middleware []message.HandlerMiddleware

	onChanged Handler
	onRemoved Handler
	byTopic   map[string]Handler
}

// Option configures a Worker.
type Option func(*Worker)

// WithSubscriber consumes from sub, reporting driver on each event.
func WithSubscriber(driver string, sub message.Subscriber) Option {
	return func(w *Worker) {
		if driver != "" && sub != nil {
			w.subscribers[driver] = sub
		}
	}
}

// WithSubscribers consumes from every subscriber in subs, keyed by driver.
func WithSubscribers(subs map[string]message.Subscriber) Option {
	return func(w *Worker) {
		for driver, sub := range subs {
			WithSubscriber(driver, sub)(w)
		}
	}
}

// WithTopics adds topics to subscribe to.
func WithTopics(topics ...string) Option {
	return func(w *Worker) {
		for _, topic := range topics {
			if topic != "" {
				w.topics = append(w.topics, topic)
			}
		}
	}
}

// WithRepositories limits handling to events from the given repositories.
// Events from other repositories are acked without running a handler.
func WithRepositories(ids ...string) Option {
	return func(w *Worker) {
		for _, id := range ids {
			if id != "" {
				w.repositories[id] = struct{}{}
			}
		}
	}
}

// WithRetries retries a failing handler n times with exponential backoff
// starting at delay. Zero disables retries.
func WithRetries(n int, delay time.Duration) Option {
	return func(w *Worker) {
		w.retries = n
		w.retryDelay = delay
	}
}

// WithTimeout bounds the time spent on one message, retries included.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.timeout = d
	}
}

// WithMiddleware adds watermill handler middleware, such as
// middleware.Throttle or middleware.CircuitBreaker.
func WithMiddleware(m ...message.HandlerMiddleware) Option {
	return func(w *Worker) {
		w.middleware = append(w.middleware, m...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a Worker. At least one subscriber and one topic are required.
func New(opts ...Option) (*Worker, error) {
	w := &Worker{
		subscribers:  make(map[string]message.Subscriber),
		repositories: make(map[string]struct{}),
		byTopic:      make(map[string]Handler),
		logger:       internal.NewLogger("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if len(w.subscribers) == 0 {
		return nil, errors.New("worker: at least one subscriber is required")
	}
	w.topics = uniqueTopics(w.topics)
	if len(w.topics) == 0 {
		return nil, errors.New("worker: at least one topic is required")
	}
	router, err := message.NewRouter(message.RouterConfig{}, internal.NewWatermillLogger(w.logger))
	if err != nil {
		return nil, err
	}
	w.router = router
	return w, nil
}

// FromConfig builds a Worker from the watermill, worker and rules sections
// of a modsync config. opts are applied after the config-derived ones.
func FromConfig(cfg internal.Config, opts ...Option) (*Worker, error) {
	subs, err := internal.NewSubscribers(cfg.Watermill, cfg.Worker.Group)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithSubscribers(subs),
		WithTopics(cfg.EventTopics()...),
		WithRepositories(cfg.Repository.ID),
		WithRetries(cfg.Worker.Retries, internal.Millis(cfg.Worker.RetryDelayMS)),
		WithTimeout(internal.Millis(cfg.Worker.TimeoutMS)),
	}
	w, err := New(append(base, opts...)...)
	if err != nil {
		for _, sub := range subs {
			_ = sub.Close()
		}
		return nil, err
	}
	return w, nil
}

// OnChanged handles added and updated modules.
func (w *Worker) OnChanged(h Handler) {
	w.onChanged = h
}

// OnRemoved handles modules that left the catalog.
func (w *Worker) OnRemoved(h Handler) {
	w.onRemoved = h
}

// OnTopic handles every event arriving on topic, typically a rule's emit
// topic. It takes precedence over OnChanged and OnRemoved.
func (w *Worker) OnTopic(topic string, h Handler) {
	if topic != "" && h != nil {
		w.byTopic[topic] = h
	}
}

// Run subscribes and dispatches events until ctx ends or Close is called.
func (w *Worker) Run(ctx context.Context) error {
	if w.onChanged == nil && w.onRemoved == nil && len(w.byTopic) == 0 {
		return errors.New("worker: no handlers registered")
	}

	w.router.AddMiddleware(middleware.Recoverer)
	if w.timeout > 0 {
		w.router.AddMiddleware(middleware.Timeout(w.timeout))
	}
	if w.retries > 0 {
		w.router.AddMiddleware(middleware.Retry{
			MaxRetries:      w.retries,
			InitialInterval: w.retryDelay,
			MaxInterval:     time.Minute,
			Multiplier:      2,
			Logger:          internal.NewWatermillLogger(w.logger),
		}.Middleware)
	}
	w.router.AddMiddleware(w.middleware...)

	drivers := make([]string, 0, len(w.subscribers))
	for driver := range w.subscribers {
		drivers = append(drivers, driver)
	}
	sort.Strings(drivers)
	for _, driver := range drivers {
		for _, topic := range w.topics {
			w.router.AddNoPublisherHandler(driver+"/"+topic, topic, w.subscribers[driver], w.handle(driver, topic))
		}
	}
	w.logger.Info("worker starting", "drivers", drivers, "topics", w.topics)
	return w.router.Run(ctx)
}

// Running is closed once every subscription is in place.
func (w *Worker) Running() chan struct{} {
	return w.router.Running()
}

// Close stops the router and closes the subscribers.
func (w *Worker) Close() error {
	err := w.router.Close()
	for _, sub := range w.subscribers {
		err = errors.Join(err, sub.Close())
	}
	return err
}

func (w *Worker) handle(driver, topic string) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		evt, err := Decode(topic, msg)
		if err != nil {
			w.logger.Error("dropping message", "topic", topic, "driver", driver, "uuid", msg.UUID, "err", err)
			return nil
		}
		evt.Driver = driver

		if len(w.repositories) > 0 {
			if _, ok := w.repositories[evt.Repository]; !ok {
				w.logger.Debug("skipping event from other repository", "repository", evt.Repository, "module", evt.Module.ID)
				return nil
			}
		}

		h := w.handlerFor(evt)
		if h == nil {
			w.logger.Debug("no handler", "topic", topic, "event", evt.Kind)
			return nil
		}
		w.logger.Debug("event", "topic", topic, "event", evt.Kind, "module", evt.Module.ID, "driver", driver)
		return h(msg.Context(), evt)
	}
}

func (w *Worker) handlerFor(evt Event) Handler {
	if h, ok := w.byTopic[evt.Topic]; ok {
		return h
	}
	if evt.Kind == Removed {
		return w.onRemoved
	}
	return w.onChanged
}

func uniqueTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	return out
}
