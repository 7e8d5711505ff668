package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrListenerClosed is returned by Listener.Run after Unregister.
var ErrListenerClosed = errors.New("listener unregistered")

// Sink is the write side of a real-time connection. *websocket.Conn
// satisfies it.
type Sink interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// Listener is one registered connection with its own send queue.
type Listener struct {
	ID           string
	sink         Sink
	send         chan []byte
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
}

// Hub fans inbound events out to every registered listener. Each listener
// drains its own queue, so a slow listener only loses its own frames.
type Hub struct {
	mu           sync.RWMutex
	listeners    map[string]*Listener
	queueSize    int
	writeTimeout time.Duration
	onDrop       func()
}

// NewHub creates a hub whose listeners buffer up to queueSize frames.
func NewHub(queueSize int, writeTimeout time.Duration) *Hub {
	return &Hub{
		listeners:    make(map[string]*Listener),
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
	}
}

// OnDrop sets a hook called whenever a frame is dropped for a full queue.
// Must be called before the hub is shared.
func (h *Hub) OnDrop(fn func()) {
	h.onDrop = fn
}

// Register adds a listener. The caller must run Listener.Run to deliver
// frames and Unregister when the connection ends.
func (h *Hub) Register(id string, sink Sink) *Listener {
	l := &Listener{
		ID:           id,
		sink:         sink,
		send:         make(chan []byte, h.queueSize),
		done:         make(chan struct{}),
		writeTimeout: h.writeTimeout,
	}
	h.mu.Lock()
	h.listeners[id] = l
	h.mu.Unlock()
	slog.Debug("hub: registered", "listener", id)
	return l
}

// Unregister removes a listener and stops its Run loop.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	l, ok := h.listeners[id]
	delete(h.listeners, id)
	h.mu.Unlock()
	if ok {
		l.once.Do(func() { close(l.done) })
		slog.Debug("hub: unregistered", "listener", id)
	}
}

// Broadcast queues payload for every listener, the sender included.
// It never blocks and returns the number of listeners that accepted it.
func (h *Hub) Broadcast(payload []byte) int {
	h.mu.RLock()
	targets := make([]*Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	queued := 0
	for _, l := range targets {
		select {
		case l.send <- payload:
			queued++
		default:
			slog.Debug("hub: listener queue full, dropping frame", "listener", l.ID)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
	return queued
}

// Count returns the number of registered listeners.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Run writes queued frames to the listener's sink until ctx ends, the
// listener is unregistered or a write fails.
func (l *Listener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrListenerClosed
		case payload := <-l.send:
			writeCtx, cancel := context.WithTimeout(ctx, l.writeTimeout)
			err := l.sink.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
