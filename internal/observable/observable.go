// Package observable implements validated, reactive, broadcast-subscribed
// variables (spec §4.A). All cross-task observation of device state flows
// through the broadcast channel here rather than a shared lock: Set
// serializes writers and atomically publishes a new Snapshot; Get is
// wait-free; Subscribe fans out to any number of readers, each of which
// is told via Lagged(n) if it fell behind instead of silently missing
// versions.
package observable

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/labrun/photonrun/internal/daqerr"
)

// Snapshot is a committed, validated value plus its monotonic version.
type Snapshot[T any] struct {
	Value   T
	Version uint64
}

// Domain validates candidate values before they are committed.
type Domain[T any] interface {
	Validate(v T) error
}

// Numeric is the set of scalar types Range can bound.
type Numeric interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

type rangeDomain[T Numeric] struct{ min, max T }

func (d rangeDomain[T]) Validate(v T) error {
	if v < d.min || v > d.max {
		return daqerr.New(daqerr.DomainViolation, "observable.Set", "value outside closed range")
	}
	return nil
}

// Range builds a closed-interval domain for a numeric type.
func Range[T Numeric](min, max T) Domain[T] { return rangeDomain[T]{min: min, max: max} }

type enumDomain[T comparable] struct{ choices map[T]struct{} }

func (d enumDomain[T]) Validate(v T) error {
	if _, ok := d.choices[v]; !ok {
		return daqerr.New(daqerr.DomainViolation, "observable.Set", "value not in enumerated domain")
	}
	return nil
}

// Enum builds a membership domain over a comparable type.
func Enum[T comparable](choices ...T) Domain[T] {
	m := make(map[T]struct{}, len(choices))
	for _, c := range choices {
		m[c] = struct{}{}
	}
	return enumDomain[T]{choices: m}
}

type freeDomain[T any] struct{}

func (freeDomain[T]) Validate(T) error { return nil }

// Free is the unconstrained domain (any value of T is admissible).
func Free[T any]() Domain[T] { return freeDomain[T]{} }

// HardwareWrite is invoked by Set before the local value is committed. A
// failing binding leaves the Observable's value unchanged.
type HardwareWrite[T any] func(ctx context.Context, v T) error

// Metadata carries the descriptive, non-reactive fields of an Observable.
type Metadata struct {
	Name  string
	Units string
}

const defaultSubscriberCapacity = 8

// Observable is a named, typed, validated, broadcast-subscribed variable.
type Observable[T any] struct {
	meta   Metadata
	domain Domain[T]
	write  HardwareWrite[T]

	current atomic.Pointer[Snapshot[T]]

	mu   sync.Mutex // serializes Set so version++ and broadcast stay ordered
	subs map[uint64]*subscriber[T]
	next uint64
}

// New constructs an Observable with an initial value already committed at
// version 0 (the initial value is not itself re-validated; callers are
// expected to pass an in-domain default).
func New[T any](meta Metadata, domain Domain[T], initial T, write HardwareWrite[T]) *Observable[T] {
	if domain == nil {
		domain = Free[T]()
	}
	o := &Observable[T]{
		meta:   meta,
		domain: domain,
		write:  write,
		subs:   make(map[uint64]*subscriber[T]),
	}
	snap := &Snapshot[T]{Value: initial, Version: 0}
	o.current.Store(snap)
	return o
}

func (o *Observable[T]) Name() string  { return o.meta.Name }
func (o *Observable[T]) Units() string { return o.meta.Units }

// Get is wait-free and returns the latest committed snapshot.
func (o *Observable[T]) Get() Snapshot[T] {
	return *o.current.Load()
}

// Set validates v against the domain, invokes any hardware-write binding,
// and — only on success of both — commits a new version and broadcasts
// it to subscribers. A validation or binding failure advances nothing and
// emits no event.
func (o *Observable[T]) Set(ctx context.Context, v T) error {
	if err := o.domain.Validate(v); err != nil {
		return err
	}
	if o.write != nil {
		if err := o.write(ctx, v); err != nil {
			return daqerr.Wrap(err, daqerr.IoFailure, "observable.Set.hardwareWrite")
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	prev := o.current.Load()
	snap := &Snapshot[T]{Value: v, Version: prev.Version + 1}
	o.current.Store(snap)
	o.broadcastLocked(*snap)
	return nil
}

// Update is delivered to a subscriber: the current snapshot, and — if the
// subscriber's channel was full when it was queued — the number of older
// versions evicted from the channel to make room for it.
type Update[T any] struct {
	Snapshot Snapshot[T]
	Lagged   int
}

type subscriber[T any] struct {
	ch   chan Update[T]
	lag  atomic.Int64
}

func (s *subscriber[T]) drainLag() int { return int(s.lag.Swap(0)) }
func (s *subscriber[T]) incLag()       { s.lag.Add(1) }

// Subscription is a live handle returned by Subscribe.
type Subscription[T any] struct {
	id  uint64
	obs *Observable[T]
	sub *subscriber[T]
}

// Recv blocks until an update is delivered or ctx is cancelled.
func (s *Subscription[T]) Recv(ctx context.Context) (Update[T], error) {
	select {
	case u := <-s.sub.ch:
		return u, nil
	case <-ctx.Done():
		return Update[T]{}, daqerr.New(daqerr.Cancelled, "observable.Recv", ctx.Err().Error())
	}
}

// Channel exposes the raw delivery channel for select-based consumers.
func (s *Subscription[T]) Channel() <-chan Update[T] { return s.sub.ch }

// Close detaches the subscription; no further updates are delivered.
func (s *Subscription[T]) Close() {
	s.obs.mu.Lock()
	defer s.obs.mu.Unlock()
	delete(s.obs.subs, s.id)
}

// Subscribe registers a new subscriber and immediately delivers the
// current snapshot (the late-subscriber invariant), non-blocking.
func (o *Observable[T]) Subscribe() *Subscription[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.next
	o.next++
	sub := &subscriber[T]{ch: make(chan Update[T], defaultSubscriberCapacity)}
	o.subs[id] = sub

	snap := *o.current.Load()
	select {
	case sub.ch <- Update[T]{Snapshot: snap}:
	default:
	}
	return &Subscription[T]{id: id, obs: o, sub: sub}
}

func (o *Observable[T]) broadcastLocked(snap Snapshot[T]) {
	for _, s := range o.subs {
		lag := s.drainLag()
		select {
		case s.ch <- Update[T]{Snapshot: snap, Lagged: lag}:
			continue
		default:
		}
		// Full: evict the oldest queued update so the newest still lands.
		select {
		case old := <-s.ch:
			lag += 1 + old.Lagged
		default:
		}
		select {
		case s.ch <- Update[T]{Snapshot: snap, Lagged: lag}:
		default:
			s.lag.Add(int64(lag))
			s.incLag()
		}
	}
}

// Erased exposes a typed Observable through a JSON-valued interface, for
// callers (RPC, scripting) that don't know T statically. The erased path
// validates by attempting typed deserialization before delegating to Set.
type Erased interface {
	Name() string
	Units() string
	SetJSON(ctx context.Context, raw []byte) error
	GetJSON() ([]byte, error)
}

type erased[T any] struct{ obs *Observable[T] }

// Erase wraps an Observable as an Erased handle.
func Erase[T any](o *Observable[T]) Erased { return erased[T]{obs: o} }

func (e erased[T]) Name() string  { return e.obs.Name() }
func (e erased[T]) Units() string { return e.obs.Units() }

func (e erased[T]) SetJSON(ctx context.Context, raw []byte) error {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return daqerr.Wrap(err, daqerr.DomainViolation, "observable.SetJSON.decode")
	}
	return e.obs.Set(ctx, v)
}

func (e erased[T]) GetJSON() ([]byte, error) {
	snap := e.obs.Get()
	b, err := json.Marshal(snap.Value)
	if err != nil {
		return nil, daqerr.Wrap(err, daqerr.IoFailure, "observable.GetJSON.encode")
	}
	return b, nil
}
