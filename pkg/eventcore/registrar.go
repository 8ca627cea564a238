package eventcore

import (
	"io"
	"reflect"
	"sync"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// Registrar bundles the subscriptions of one consumer so they can be
// released together. Create one when the consumer activates and defer
// Close (or call UnsubscribeAll) on teardown.
//
//	reg := eventcore.NewRegistrar(eng)
//	defer reg.Close()
//	eventcore.RegisterHandler(reg, hud, hud.OnCardDrawn)
type Registrar struct {
	eng *Engine

	mu      sync.Mutex
	entries []registration
}

// registration describes one subscription made through a Registrar.
type registration struct {
	typ    reflect.Type
	kind   handlerKind
	owner  any
	fn     uintptr
	remove func() int
}

var _ io.Closer = (*Registrar)(nil)

// NewRegistrar creates an empty Registrar bound to eng.
func NewRegistrar(eng *Engine) *Registrar {
	return &Registrar{eng: eng}
}

// RegisterHandler subscribes h through r. A handler already registered
// through r is not registered again unless WithForce is given. It reports
// whether h was subscribed.
func RegisterHandler[E event.Record](r *Registrar, owner any, h Handler[E], opts ...SubscribeOption) bool {
	return register[E](r, kindSync, owner, h, opts,
		func() bool { return Subscribe(r.eng, owner, h, opts...) },
		func() int { return Unsubscribe(r.eng, owner, h) },
	)
}

// RegisterAsyncHandler is RegisterHandler for async handlers.
func RegisterAsyncHandler[E event.Record](r *Registrar, owner any, h AsyncHandler[E], opts ...SubscribeOption) bool {
	return register[E](r, kindAsync, owner, h, opts,
		func() bool { return SubscribeAsync(r.eng, owner, h, opts...) },
		func() int { return UnsubscribeAsync(r.eng, owner, h) },
	)
}

func register[E event.Record](r *Registrar, kind handlerKind, owner, h any, opts []SubscribeOption, add func() bool, remove func() int) bool {
	cfg := subscribeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	reg := registration{
		typ:    reflect.TypeFor[E](),
		kind:   kind,
		owner:  ownerKey(owner),
		remove: remove,
	}
	reg.fn, _ = handlerID(h)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !cfg.force && r.has(reg) {
		return false
	}
	if !add() {
		return false
	}
	r.entries = append(r.entries, reg)
	return true
}

func (r *Registrar) has(reg registration) bool {
	for _, existing := range r.entries {
		if existing.typ == reg.typ && existing.kind == reg.kind &&
			existing.fn == reg.fn && existing.owner == reg.owner {
			return true
		}
	}
	return false
}

// UnsubscribeAll removes every subscription made through r and returns how
// many engine entries were removed. It is safe to call more than once.
func (r *Registrar) UnsubscribeAll() int {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	removed := 0
	for _, reg := range entries {
		removed += reg.remove()
	}
	return removed
}

// Close implements io.Closer by calling UnsubscribeAll.
func (r *Registrar) Close() error {
	r.UnsubscribeAll()
	return nil
}

// Len returns the number of registrations held by r.
func (r *Registrar) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
