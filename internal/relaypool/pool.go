// Package relaypool implements the Relay Pool contract:
// publish a signed event to N relays, subscribe to filters across M
// relays with id-based deduplication, and a bounded-time fetch
// convenience. Relay ordering is never guaranteed; single-relay
// failures are swallowed and logged, never surfaced to the caller.
package relaypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrmarket/askexperts/internal/circuitbreaker"
	"github.com/nostrmarket/askexperts/internal/market"
)

// Pool publishes and subscribes across a set of relays, deduplicating
// inbound events by id and shielding callers from individual relay
// failures with a per-relay circuit breaker, so one flaky relay is
// skipped instead of stalling every caller.
type Pool struct {
	simple *nostr.SimplePool

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker

	log *slog.Logger
}

// New creates a Pool. ctx governs the lifetime of the underlying
// SimplePool's background relay-management goroutines.
func New(ctx context.Context) *Pool {
	return &Pool{
		simple:   nostr.NewSimplePool(ctx),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
		log:      slog.Default().With("component", "relaypool"),
	}
}

// wrapBreakerErr maps a raw circuitbreaker error to the market sentinel
// callers and logs already key off of, tagging it with the relay that
// tripped so a warm relay's breaker tripping doesn't read the same as a
// cold dial failure.
func (p *Pool) wrapBreakerErr(relay string, err error) error {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: relay %s: %v", market.ErrRelayTimeout, relay, err)
	default:
		return err
	}
}

func (p *Pool) breakerFor(relay string) *circuitbreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[relay]; ok {
		return cb
	}
	cb := circuitbreaker.New(circuitbreaker.DefaultConfig(relay))
	p.breakers[relay] = cb
	return cb
}

// Publish fire-and-forgets evt to every relay in relays, returning the
// set of relay URLs that acknowledged. A relay tripped open by its
// circuit breaker is skipped without being dialed.
func (p *Pool) Publish(ctx context.Context, evt *nostr.Event, relays []string) (accepted map[string]bool, err error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: no relays given", market.ErrInvalidArgument)
	}

	accepted = make(map[string]bool, len(relays))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, relay := range relays {
		relay := relay
		cb := p.breakerFor(relay)

		if cbErr := cb.Allow(); cbErr != nil {
			p.log.Warn("skipping relay, circuit open", "relay", relay, "error", p.wrapBreakerErr(relay, cbErr))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, pubErr := cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
				r, dialErr := p.simple.EnsureRelay(relay)
				if dialErr != nil {
					return nil, dialErr
				}
				return nil, r.Publish(ctx, *evt)
			})
			if pubErr != nil {
				p.log.Warn("publish failed", "relay", relay, "event", evt.ID, "error", p.wrapBreakerErr(relay, pubErr))
				return
			}
			mu.Lock()
			accepted[relay] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(accepted) == 0 {
		return accepted, market.ErrRelayPublishFailed
	}
	return accepted, nil
}

// Subscription is a live, deduplicated, multi-relay event stream.
// Close is idempotent and guaranteed to unwind every underlying socket.
type Subscription struct {
	Events <-chan *nostr.Event

	cancel context.CancelFunc
	once   sync.Once
}

// Close terminates the subscription. Safe to call more than once and
// safe to call without draining Events first.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Subscribe opens a live subscription to filter across relays,
// deduplicating events by id across relays. The returned channel is
// closed once Close is called or ctx is done.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter, relays []string) (*Subscription, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: no relays given", market.ErrInvalidArgument)
	}

	subCtx, cancel := context.WithCancel(ctx)
	raw := p.simple.SubMany(subCtx, relays, nostr.Filters{filter})

	out := make(chan *nostr.Event, 64)
	seen := struct {
		sync.Mutex
		ids map[string]struct{}
	}{ids: make(map[string]struct{})}

	go func() {
		defer close(out)
		for ie := range raw {
			if ie.Event == nil {
				continue
			}
			seen.Lock()
			_, dup := seen.ids[ie.Event.ID]
			if !dup {
				seen.ids[ie.Event.ID] = struct{}{}
			}
			seen.Unlock()
			if dup {
				continue
			}
			select {
			case out <- ie.Event:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return &Subscription{Events: out, cancel: cancel}, nil
}

// Fetch is a bounded-time convenience over Subscribe: it collects
// events until deadline elapses or ctx is cancelled, then closes the
// subscription and returns what it has.
func (p *Pool) Fetch(ctx context.Context, filter nostr.Filter, relays []string, deadline time.Duration) ([]*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sub, err := p.Subscribe(ctx, filter, relays)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	var events []*nostr.Event
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return events, nil
			}
			events = append(events, evt)
		case <-ctx.Done():
			return events, nil
		}
	}
}

// Close releases the pool's relay connections. Idempotent.
func (p *Pool) Close() {
	p.simple.Close("pool closed")
}
