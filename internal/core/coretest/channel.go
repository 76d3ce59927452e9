// Package coretest holds in-memory doubles of the core interfaces for tests.
package coretest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNoAck returned by a Responder leaves the request unanswered until the
// caller's context ends.
var ErrNoAck = errors.New("no ack")

// Responder answers one request. Returning a nil response and nil error
// acknowledges with an empty payload.
type Responder func(payload json.RawMessage) (any, error)

type Call struct {
	Event   string
	Payload json.RawMessage
	Acked   bool
}

// Channel is a scripted core.SignalChannel. Requests without a responder
// never resolve until the caller's context ends.
type Channel struct {
	mu         sync.Mutex
	calls      []Call
	responders map[string]Responder
	listeners  map[string]map[int]func(json.RawMessage)
	nextID     int
}

func NewChannel() *Channel {
	return &Channel{
		responders: make(map[string]Responder),
		listeners:  make(map[string]map[int]func(json.RawMessage)),
	}
}

func (c *Channel) Respond(event string, fn Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responders[event] = fn
}

// RespondJSON acknowledges every request of event with the same value.
func (c *Channel) RespondJSON(event string, v any) {
	c.Respond(event, func(json.RawMessage) (any, error) { return v, nil })
}

func (c *Channel) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.calls = append(c.calls, Call{Event: event, Payload: raw, Acked: true})
	fn := c.responders[event]
	c.mu.Unlock()

	if fn == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := fn(raw)
	if errors.Is(err, ErrNoAck) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return json.RawMessage("{}"), nil
	}
	if rm, ok := resp.(json.RawMessage); ok {
		return rm, nil
	}
	return json.Marshal(resp)
}

func (c *Channel) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Event: event, Payload: raw})
	return nil
}

func (c *Channel) On(event string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[int]func(json.RawMessage))
	}
	c.listeners[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[event], id)
	}
}

// Push delivers a server push to every listener synchronously.
func (c *Channel) Push(event string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(c.listeners[event]))
	for _, fn := range c.listeners[event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (c *Channel) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *Channel) Events() []string {
	calls := c.Calls()
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, call.Event)
	}
	return out
}

func (c *Channel) Count(event string) int {
	n := 0
	for _, call := range c.Calls() {
		if call.Event == event {
			n++
		}
	}
	return n
}

func (c *Channel) Listeners(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[event])
}
