package interaction

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// AllFeatures subscribes to every notification.
const AllFeatures = "*"

// SubscriptionID identifies a registered callback.
type SubscriptionID uint64

// Callback receives a pushed value. It runs on the registry's delivery
// goroutine, never on the listener loop.
type Callback func(feature string, value any)

// Subscription is a registered callback and its filter.
type Subscription struct {
	ID       SubscriptionID
	Filter   string
	Callback Callback

	active atomic.Bool
}

// Matches returns true if the subscription wants notifications for feature.
func (s *Subscription) Matches(feature string) bool {
	return s.Filter == AllFeatures || s.Filter == feature
}

// RegistryConfig configures a notification registry.
type RegistryConfig struct {
	// Logger receives callback panics (default: slog.Default()).
	Logger *slog.Logger

	// OnCallbackPanic is called after a callback panic has been recovered.
	OnCallbackPanic func(sub *Subscription, feature string, recovered any)
}

// delivery is one queued notification, or a flush marker when flushed != nil.
type delivery struct {
	feature string
	value   any
	subs    []*Subscription
	flushed chan struct{}
}

// Registry maps features to subscriber callbacks and delivers
// notifications in arrival order on its own goroutine, so a slow callback
// never stalls the reader.
type Registry struct {
	config RegistryConfig

	mu       sync.RWMutex
	nextID   SubscriptionID
	subs     map[SubscriptionID]*Subscription
	byFilter map[string][]*Subscription

	qmu    sync.Mutex
	queue  []delivery
	wake   chan struct{}
	closed bool
	done   chan struct{}

	// deliverer is the goroutine id of deliverLoop.
	deliverer atomic.Uint64

	dispatched atomic.Uint64
	panics     atomic.Uint64
}

// NewRegistry creates a registry and starts its delivery goroutine.
// Call Close to stop it.
func NewRegistry(config RegistryConfig) *Registry {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	r := &Registry{
		config:   config,
		subs:     make(map[SubscriptionID]*Subscription),
		byFilter: make(map[string][]*Subscription),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go r.deliverLoop()
	return r
}

// Subscribe registers cb for filter, a feature name or AllFeatures.
func (r *Registry) Subscribe(filter string, cb Callback) SubscriptionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{ID: r.nextID, Filter: filter, Callback: cb}
	sub.active.Store(true)
	r.subs[sub.ID] = sub
	r.byFilter[filter] = append(r.byFilter[filter], sub)
	return sub.ID
}

// Unsubscribe removes a subscription. Queued notifications are not
// delivered to it. It returns false if id is unknown.
func (r *Registry) Unsubscribe(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	sub.active.Store(false)
	delete(r.subs, id)

	list := slices.DeleteFunc(slices.Clone(r.byFilter[sub.Filter]), func(s *Subscription) bool {
		return s.ID == id
	})
	if len(list) == 0 {
		delete(r.byFilter, sub.Filter)
	} else {
		r.byFilter[sub.Filter] = list
	}
	return true
}

// Count returns the number of subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dispatch queues delivery of a notification to every matching
// subscription, in subscription order. It returns the number of matching
// subscriptions, or 0 after Close.
func (r *Registry) Dispatch(feature string, value any) int {
	r.mu.RLock()
	matched := make([]*Subscription, 0, len(r.byFilter[feature])+len(r.byFilter[AllFeatures]))
	matched = append(matched, r.byFilter[feature]...)
	if feature != AllFeatures {
		matched = append(matched, r.byFilter[AllFeatures]...)
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		return 0
	}
	slices.SortFunc(matched, func(a, b *Subscription) int {
		return cmp.Compare(a.ID, b.ID)
	})

	if !r.enqueue(delivery{feature: feature, value: value, subs: matched}) {
		return 0
	}
	return len(matched)
}

// Flush waits until every notification queued before the call has been
// delivered. From inside a callback it returns ErrFlushInCallback.
func (r *Registry) Flush(ctx context.Context) error {
	if r.inCallback() {
		return ErrFlushInCallback
	}
	done := make(chan struct{})
	if !r.enqueue(delivery{flushed: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting notifications, delivers those already queued and
// stops the delivery goroutine. It is idempotent. Called from a callback, it
// returns without waiting; the queue drains once the callback returns.
func (r *Registry) Close() {
	r.qmu.Lock()
	already := r.closed
	r.closed = true
	r.qmu.Unlock()

	if !already {
		r.signal()
	}
	if r.inCallback() {
		return
	}
	<-r.done
}

// inCallback reports whether the caller is the delivery goroutine.
func (r *Registry) inCallback() bool {
	return r.deliverer.Load() == curGoroutineID()
}

// RegistryStats contains delivery counters.
type RegistryStats struct {
	Subscriptions int
	Dispatched    uint64
	Panics        uint64
}

// Stats returns delivery counters.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Subscriptions: r.Count(),
		Dispatched:    r.dispatched.Load(),
		Panics:        r.panics.Load(),
	}
}

func (r *Registry) enqueue(d delivery) bool {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return false
	}
	r.queue = append(r.queue, d)
	r.qmu.Unlock()

	r.signal()
	return true
}

func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) deliverLoop() {
	defer close(r.done)
	r.deliverer.Store(curGoroutineID())

	for range r.wake {
		r.qmu.Lock()
		batch := r.queue
		r.queue = nil
		closed := r.closed
		r.qmu.Unlock()

		for _, d := range batch {
			if d.flushed != nil {
				close(d.flushed)
				continue
			}
			for _, sub := range d.subs {
				if sub.active.Load() {
					r.invoke(sub, d.feature, d.value)
				}
			}
		}

		if closed {
			return
		}
	}
}

func (r *Registry) invoke(sub *Subscription, feature string, value any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.config.Logger.Error("notification callback panicked",
				slog.Uint64("subscription", uint64(sub.ID)),
				slog.String("feature", feature),
				slog.String("panic", fmt.Sprint(rec)))
			if r.config.OnCallbackPanic != nil {
				r.config.OnCallbackPanic(sub, feature, rec)
			}
		}
	}()

	r.dispatched.Add(1)
	sub.Callback(feature, value)
}
