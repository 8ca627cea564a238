package eventcore

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"slices"
	"sync"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// Handler runs inline during Publish, in registration order.
type Handler[E event.Record] func(ctx context.Context, evt E) error

// AsyncHandler runs as a detached task during Publish and is awaited, in
// registration order, during PublishAndWait.
type AsyncHandler[E event.Record] func(ctx context.Context, evt E) error

type handlerKind int

const (
	kindSync handlerKind = iota
	kindAsync
)

// subscription is one registered handler. owner and fn together identify it.
type subscription struct {
	owner  any
	fn     uintptr
	name   string
	invoke func(ctx context.Context, rec event.Record) error
}

func (s subscription) matches(owner any, fn uintptr) bool {
	return s.fn == fn && s.owner == owner
}

// bucket holds the handlers for one record type. Slices are never mutated in
// place, so a copied bucket is a stable snapshot.
type bucket struct {
	sync  []subscription
	async []subscription
}

func (b bucket) list(kind handlerKind) []subscription {
	if kind == kindAsync {
		return b.async
	}
	return b.sync
}

func (b *bucket) set(kind handlerKind, subs []subscription) {
	if kind == kindAsync {
		b.async = subs
		return
	}
	b.sync = subs
}

func (b bucket) len() int {
	return len(b.sync) + len(b.async)
}

// subscriptions maps a record type to its handlers.
type subscriptions struct {
	mu     sync.Mutex
	byType map[reflect.Type]bucket
}

func newSubscriptions() *subscriptions {
	return &subscriptions{byType: make(map[reflect.Type]bucket)}
}

// add appends sub unless an equal subscription exists and force is false.
func (s *subscriptions) add(t reflect.Type, kind handlerKind, sub subscription, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.byType[t]
	current := b.list(kind)
	if !force {
		for _, existing := range current {
			if existing.matches(sub.owner, sub.fn) {
				return false
			}
		}
	}
	b.set(kind, append(slices.Clip(current), sub))
	s.byType[t] = b
	return true
}

// remove drops every subscription equal to (owner, fn) and returns how many
// were removed.
func (s *subscriptions) remove(t reflect.Type, kind handlerKind, owner any, fn uintptr) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byType[t]
	if !ok {
		return 0
	}
	current := b.list(kind)
	kept := make([]subscription, 0, len(current))
	for _, sub := range current {
		if !sub.matches(owner, fn) {
			kept = append(kept, sub)
		}
	}
	removed := len(current) - len(kept)
	if removed == 0 {
		return 0
	}

	b.set(kind, kept)
	if b.len() == 0 {
		delete(s.byType, t)
	} else {
		s.byType[t] = b
	}
	return removed
}

func (s *subscriptions) snapshot(t reflect.Type) bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byType[t]
}

// clear drops every subscription and returns how many there were.
func (s *subscriptions) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, b := range s.byType {
		n += b.len()
	}
	s.byType = make(map[reflect.Type]bucket)
	return n
}

// refOwner identifies an owner whose type is not comparable but has a
// stable reference.
type refOwner struct {
	t reflect.Type
	p uintptr
}

// ownerKey turns owner into a value that can be compared with ==.
func ownerKey(owner any) any {
	if owner == nil {
		return nil
	}
	t := reflect.TypeOf(owner)
	if t.Comparable() {
		return owner
	}
	switch t.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func:
		return refOwner{t: t, p: reflect.ValueOf(owner).Pointer()}
	}
	panic(fmt.Sprintf("eventcore: owner of type %s is not comparable", t))
}

// handlerID returns the code pointer and symbol name of a handler.
func handlerID(h any) (uintptr, string) {
	v := reflect.ValueOf(h)
	if v.Kind() != reflect.Func || v.IsNil() {
		panic("eventcore: nil handler")
	}
	fn := v.Pointer()
	name := "unknown"
	if f := runtime.FuncForPC(fn); f != nil {
		name = f.Name()
	}
	return fn, name
}

func newSubscription[E event.Record](owner any, h func(context.Context, E) error) subscription {
	fn, name := handlerID(h)
	want := reflect.TypeFor[E]()
	return subscription{
		owner: ownerKey(owner),
		fn:    fn,
		name:  name,
		invoke: func(ctx context.Context, rec event.Record) error {
			evt, ok := rec.(E)
			if !ok {
				return fmt.Errorf("record %T is not %s", rec, want)
			}
			return h(ctx, evt)
		},
	}
}

// Subscribe registers h for records of type E, where E is the concrete type
// passed to Publish (usually a pointer such as *CardDrawn). An equal
// subscription, meaning the same owner and the same handler function, is not
// added twice unless WithForce is given. Subscribe reports whether h was
// added and, if so, flushes any backlog queued for E.
//
// owner identifies the subscriber and may be nil. Method values compare by
// method, so Subscribe(eng, p, p.OnDraw) twice adds one entry.
func Subscribe[E event.Record](eng *Engine, owner any, h Handler[E], opts ...SubscribeOption) bool {
	return subscribe[E](eng, kindSync, newSubscription[E](owner, h), opts)
}

// SubscribeAsync is Subscribe for handlers that run as detached tasks.
func SubscribeAsync[E event.Record](eng *Engine, owner any, h AsyncHandler[E], opts ...SubscribeOption) bool {
	return subscribe[E](eng, kindAsync, newSubscription[E](owner, h), opts)
}

func subscribe[E event.Record](eng *Engine, kind handlerKind, sub subscription, opts []SubscribeOption) bool {
	cfg := subscribeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	t := reflect.TypeFor[E]()
	if !eng.subs.add(t, kind, sub, cfg.force) {
		return false
	}
	eng.scheduleFlush(t)
	return true
}

// Unsubscribe removes every subscription of h by owner for type E and
// returns how many were removed.
func Unsubscribe[E event.Record](eng *Engine, owner any, h Handler[E]) int {
	fn, _ := handlerID(h)
	return eng.subs.remove(reflect.TypeFor[E](), kindSync, ownerKey(owner), fn)
}

// UnsubscribeAsync is Unsubscribe for async handlers.
func UnsubscribeAsync[E event.Record](eng *Engine, owner any, h AsyncHandler[E]) int {
	fn, _ := handlerID(h)
	return eng.subs.remove(reflect.TypeFor[E](), kindAsync, ownerKey(owner), fn)
}

// HandlerCountFor returns the number of sync and async handlers registered
// for E.
func HandlerCountFor[E event.Record](eng *Engine) int {
	return eng.subs.snapshot(reflect.TypeFor[E]()).len()
}

// PendingFor returns the number of E records waiting in the backlog.
func PendingFor[E event.Record](eng *Engine) int {
	return eng.backlog.Len(reflect.TypeFor[E]())
}
