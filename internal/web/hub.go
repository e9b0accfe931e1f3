// Package web serves a live view of the flight over HTTP: a JSON status
// endpoint and a websocket pushing one message per control tick.
package web

import (
	"sync"

	"pyxis-fc/internal/telemetry"
)

// Hub fans snapshots out to websocket viewers. It keeps the most recent
// snapshot so a new subscriber gets an immediate sample, and never
// blocks the publisher on a slow viewer.
type Hub struct {
	mu       sync.RWMutex
	subs     map[int]chan telemetry.Snapshot
	nextID   int
	last     telemetry.Snapshot
	haveLast bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan telemetry.Snapshot)}
}

func (h *Hub) Subscribe(buffer int) (int, <-chan telemetry.Snapshot) {
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan telemetry.Snapshot, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	last := h.last
	have := h.haveLast
	h.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// Last returns the most recently published snapshot, if any.
func (h *Hub) Last() (telemetry.Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last, h.haveLast
}

// Publish delivers a snapshot to every subscriber, dropping for any
// whose buffer is full.
func (h *Hub) Publish(snap telemetry.Snapshot) {
	h.mu.RLock()
	subs := make([]chan telemetry.Snapshot, 0, len(h.subs))
	for _, ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
	h.mu.Lock()
	h.last = snap
	h.haveLast = true
	h.mu.Unlock()
}
