// Package events provides a publish/subscribe event bus carrying
// conversation and tool-call notifications from the core loop to display
// consumers (the CLI renderer, or anything else that subscribes). The bus
// is nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceChat identifies events from the conversation loop.
	SourceChat = "chat"
	// SourceMCP identifies events from MCP sessions and the registry.
	SourceMCP = "mcp"
)

// Kind constants describe the type of event within a source.
const (
	// KindSubmitStart signals the beginning of a user submission.
	// Data: request_id, text_len.
	KindSubmitStart = "submit_start"
	// KindModelCall signals the start of an LLM call.
	// Data: request_id, round, model.
	KindModelCall = "model_call"
	// KindModelResponse signals completion of an LLM call.
	// Data: request_id, round, model, tool_calls.
	KindModelResponse = "model_response"
	// KindToolCall signals the start of a tool invocation.
	// Data: request_id, tool, args.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool invocation.
	// Data: request_id, tool, ok, error, duration_ms.
	KindToolDone = "tool_done"
	// KindSubmitComplete signals the end of a user submission.
	// Data: request_id, rounds, failed, reason.
	KindSubmitComplete = "submit_complete"

	// KindServerReady signals an MCP server completed its handshake.
	// Data: server, tools.
	KindServerReady = "server_ready"
	// KindServerDegraded signals an MCP server was demoted after a failure.
	// Data: server, error.
	KindServerDegraded = "server_degraded"
)

// Event represents a single notification published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). A zero Timestamp
// is filled in with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// display consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
