package session

import "sync"

// Event types published during an execution.
const (
	EventStream = "stream"
	EventError  = "error"
)

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Event is one notification sent to the front-end while a request runs.
// Stream events carry Name and Text; error events carry the error triple.
type Event struct {
	Type       string   `json:"type"`
	Name       string   `json:"name,omitempty"`
	Text       string   `json:"text,omitempty"`
	ErrorName  string   `json:"ename,omitempty"`
	ErrorValue string   `json:"evalue,omitempty"`
	Traceback  []string `json:"traceback,omitempty"`
}

// Publisher receives events in the order they are produced.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// Collector buffers events for callers that reply in one piece.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Publish(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// Events returns the collected events, never nil.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
