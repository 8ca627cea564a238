/*
Package eventcore is an in-process event-dispatch core.

Producers publish records; consumers subscribe typed handlers. Every record
type is dispatched separately, keyed by its concrete Go type.

# Basic Usage

	type CardDrawn struct {
	    event.Base
	    Card string
	}

	eng, err := eventcore.New()
	if err != nil {
	    return err
	}
	defer eng.Close(context.Background())

	eventcore.Subscribe(eng, hud, func(ctx context.Context, e *CardDrawn) error {
	    return hud.Show(e.Card)
	})

	eng.Publish(ctx, &CardDrawn{Base: event.NewBase(), Card: "ace"})

# Delivery

Publish runs sync handlers in registration order before it returns. Async
handlers run as supervised detached tasks. PublishAndWait awaits them in
registration order and reports whether any handler received the record.
A handler's error or panic is logged and never reaches the publisher or its
sibling handlers.

Once delivered, a record is disposed and its ID released.

# At-Most-Once

Each record ID claims a slot when published. A record that is not
republishable is ignored if its ID is in flight, was completed within the
dedupe window, or the record is already disposed. WithForcePublish skips the
check.

# Backlog

A record published with no handler for its type is queued and redelivered
when a handler subscribes, when the pump ticks, or on Flush. Redelivery
runs in batches with a per-attempt timeout and a yield between batches.
After MaxRetryAttempts failed attempts the record is dropped, journaled in
the dead-letter store, and passed to the WithOnExhausted callback. Dropping
is deliberate data loss.

# Registrar

A Registrar groups the subscriptions of one consumer so teardown is a
single call:

	reg := eventcore.NewRegistrar(eng)
	defer reg.Close()
	eventcore.RegisterHandler(reg, hud, hud.OnCardDrawn)

# Thread Safety

Every Engine and Registrar method is safe for concurrent use. Handlers run
without any engine lock held, so they may publish or subscribe.
*/
package eventcore
