package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	ID      uint64    `json:"id"`
	Name    string    `json:"event"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// EventBus fans job and guide notifications out to SSE subscribers.
// Slow subscribers drop messages instead of blocking publishers.
type EventBus struct {
	seq     atomic.Uint64
	mu      sync.RWMutex
	clients map[chan sseMessage]struct{}
}

type sseMessage struct {
	id   uint64
	name string
	data []byte
}

func NewEventBus() *EventBus {
	return &EventBus{
		clients: make(map[chan sseMessage]struct{}),
	}
}

func (e *EventBus) Subscribe() chan sseMessage {
	ch := make(chan sseMessage, 16)
	e.mu.Lock()
	e.clients[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

func (e *EventBus) Unsubscribe(ch chan sseMessage) {
	e.mu.Lock()
	if _, ok := e.clients[ch]; ok {
		delete(e.clients, ch)
		close(ch)
	}
	e.mu.Unlock()
}

func (e *EventBus) Publish(event string, payload any) {
	ev := Event{
		ID:      e.seq.Add(1),
		Name:    event,
		At:      time.Now().UTC(),
		Payload: payload,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := sseMessage{id: ev.ID, name: event, data: raw}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for ch := range e.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (e *EventBus) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients)
}
