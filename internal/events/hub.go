package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/notebookhub/internal/platform/logger"
)

// Subscriber receives events for one user.
type Subscriber struct {
	ID       uuid.UUID
	User     string
	Outbound chan Event
	done     chan struct{}
	once     sync.Once
}

// Hub fans events out to progress streams in this process.
type Hub struct {
	mu     sync.RWMutex
	log    *logger.Logger
	byUser map[string]map[*Subscriber]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:    log.With("component", "EventHub"),
		byUser: make(map[string]map[*Subscriber]bool),
	}
}

func (h *Hub) Subscribe(user string) *Subscriber {
	user = strings.TrimSpace(user)
	s := &Subscriber{
		ID:       uuid.New(),
		User:     user,
		Outbound: make(chan Event, 16),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.byUser[user]
	if !ok {
		subs = make(map[*Subscriber]bool)
		h.byUser[user] = subs
	}
	subs[s] = true
	h.log.Debug("Progress subscriber added", "subscriber", s.ID, "user", user)
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if subs, ok := h.byUser[s.User]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.byUser, s.User)
		}
	}
	h.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Broadcast never blocks; a full subscriber buffer drops the event.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.byUser[ev.User] {
		select {
		case s.Outbound <- ev:
		default:
			h.log.Warn("Dropping progress event; outbound buffer full", "subscriber", s.ID)
		}
	}
}

// Subscribers reports how many streams are open for user.
func (h *Hub) Subscribers(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[user])
}

// Stream writes events as server-sent events until the request ends, the
// subscriber is removed, or stop reports true for an event.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, s *Subscriber, initial []Event, stop func(Event) bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(ev Event) bool {
		raw, err := json.Marshal(ev)
		if err != nil {
			h.log.Warn("Failed to marshal progress event", "error", err)
			return false
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", raw)
		flusher.Flush()
		return stop != nil && stop(ev)
	}
	for _, ev := range initial {
		if write(ev) {
			return
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-s.Outbound:
			if write(ev) {
				return
			}
		}
	}
}
