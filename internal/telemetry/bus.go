// Package telemetry fans device state out to external observers: live
// status transitions, parameter value changes, and frame streams, each
// filterable by topic and each reporting lag rather than silently
// dropping slow subscribers. The topic trie matching is adapted from
// the teacher's bus/bus.go (tokenized topics,
// "+"/"#" wildcards, per-subscriber buffered channel), generalized to a
// single payload type T per Bus instance and to explicit Lagged(n)
// counters instead of evict-oldest delivery. Retained messages are not
// carried over: a new subscriber sees only messages published after it
// subscribes.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/labrun/photonrun/internal/daqerr"
)

// Topic is a tokenized address, e.g. []string{"status", "dev-1"}.
type Topic []string

const (
	singleWildcard = "+"
	multiWildcard  = "#"
)

// Message is one published value addressed to a Topic.
type Message[T any] struct {
	Topic   Topic
	Payload T
}

type subscriber[T any] struct {
	pattern Topic
	ch      chan Message[T]
	lag     atomic.Int64
}

func (s *subscriber[T]) drainLag() int {
	return int(s.lag.Swap(0))
}

func (s *subscriber[T]) incLag() {
	s.lag.Add(1)
}

type node[T any] struct {
	children map[string]*node[T]
	subs     []*subscriber[T]
}

func ensureChild[T any](n *node[T], tok string) *node[T] {
	if n.children == nil {
		n.children = make(map[string]*node[T])
	}
	if n.children[tok] == nil {
		n.children[tok] = &node[T]{}
	}
	return n.children[tok]
}

// Bus is a filterable, lag-reporting broadcast channel for one
// telemetry stream (status, parameter, or frame events).
type Bus[T any] struct {
	mu   sync.Mutex
	root *node[T]
	qLen int

	metricPublished prometheus.Counter
	metricLagged    prometheus.Counter
	metricSubs      prometheus.Gauge
}

// NewBus constructs a Bus with the given per-subscriber queue depth
// and a channel label used to distinguish its Prometheus series.
func NewBus[T any](channel string, queueLen int) *Bus[T] {
	if queueLen <= 0 {
		queueLen = 16
	}
	return &Bus[T]{
		root: &node[T]{},
		qLen: queueLen,
		metricPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "photonrun",
			Subsystem:   "telemetry",
			Name:        "messages_published_total",
			Help:        "Messages published on a telemetry bus.",
			ConstLabels: prometheus.Labels{"channel": channel},
		}),
		metricLagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "photonrun",
			Subsystem:   "telemetry",
			Name:        "subscriber_lagged_total",
			Help:        "Count of messages a subscriber could not accept and reported as lag.",
			ConstLabels: prometheus.Labels{"channel": channel},
		}),
		metricSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "photonrun",
			Subsystem:   "telemetry",
			Name:        "subscribers",
			Help:        "Current subscriber count on a telemetry bus.",
			ConstLabels: prometheus.Labels{"channel": channel},
		}),
	}
}

// Collectors returns the Prometheus collectors for registration.
func (b *Bus[T]) Collectors() []prometheus.Collector {
	return []prometheus.Collector{b.metricPublished, b.metricLagged, b.metricSubs}
}

// Subscription is a live, filtered feed from a Bus.
type Subscription[T any] struct {
	bus     *Bus[T]
	sub     *subscriber[T]
	pattern Topic
}

// Update pairs a delivered message with how many prior messages this
// subscriber missed (0 in the common case).
type Update[T any] struct {
	Message[T]
	Lagged int
}

// Recv blocks for the next message or ctx cancellation.
func (s *Subscription[T]) Recv(ctx context.Context) (Update[T], error) {
	select {
	case m := <-s.sub.ch:
		return Update[T]{Message: m, Lagged: s.sub.drainLag()}, nil
	case <-ctx.Done():
		return Update[T]{}, daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "telemetry.Subscription.Recv")
	}
}

// Channel exposes the raw delivery channel for select-based consumers.
func (s *Subscription[T]) Channel() <-chan Message[T] { return s.sub.ch }

// Close unsubscribes, freeing the filter-trie entry.
func (s *Subscription[T]) Close() {
	s.bus.unsubscribe(s.pattern, s.sub)
}

// Subscribe installs a filtered subscription. pattern tokens may be
// the literal address, singleWildcard ("+", matches exactly one
// token), or end in multiWildcard ("#", matches any remaining tokens).
func (b *Bus[T]) Subscribe(pattern Topic) *Subscription[T] {
	sub := &subscriber[T]{pattern: pattern, ch: make(chan Message[T], b.qLen)}

	b.mu.Lock()
	n := b.root
	for _, t := range pattern {
		n = ensureChild(n, t)
	}
	n.subs = append(n.subs, sub)
	b.mu.Unlock()

	b.metricSubs.Inc()
	return &Subscription[T]{bus: b, sub: sub, pattern: pattern}
}

func (b *Bus[T]) unsubscribe(pattern Topic, target *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	var stack []*node[T]
	for _, t := range pattern {
		if n.children == nil {
			return
		}
		child := n.children[t]
		if child == nil {
			return
		}
		stack = append(stack, n)
		n = child
	}
	for i, s := range n.subs {
		if s == target {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	for i := len(pattern) - 1; i >= 0; i-- {
		parent := stack[i]
		key := pattern[i]
		child := parent.children[key]
		if child != nil && len(child.subs) == 0 && len(child.children) == 0 {
			delete(parent.children, key)
		} else {
			break
		}
	}
	b.metricSubs.Dec()
}

// Publish broadcasts payload under topic to every matching
// subscription. A subscriber whose channel is full has the message
// dropped and its lag counter incremented instead of blocking the
// publisher.
func (b *Bus[T]) Publish(topic Topic, payload T) {
	b.mu.Lock()
	var matched []*subscriber[T]
	collect(b.root, topic, 0, &matched)
	b.mu.Unlock()

	b.metricPublished.Inc()
	msg := Message[T]{Topic: topic, Payload: payload}
	for _, s := range matched {
		select {
		case s.ch <- msg:
		default:
			s.incLag()
			b.metricLagged.Inc()
		}
	}
}

func collect[T any](n *node[T], topic Topic, depth int, out *[]*subscriber[T]) {
	if n == nil {
		return
	}
	if depth == len(topic) {
		*out = append(*out, n.subs...)
		if n.children != nil {
			if mw := n.children[multiWildcard]; mw != nil {
				*out = append(*out, mw.subs...)
			}
		}
		return
	}
	tok := topic[depth]
	if n.children == nil {
		return
	}
	if child := n.children[tok]; child != nil {
		collect(child, topic, depth+1, out)
	}
	if sw := n.children[singleWildcard]; sw != nil {
		collect(sw, topic, depth+1, out)
	}
	if mw := n.children[multiWildcard]; mw != nil {
		*out = append(*out, mw.subs...)
	}
}
