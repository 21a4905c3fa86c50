// Package hub fans accepted samples out to live WebSocket subscribers.
//
// Every subscriber owns a bounded queue drained by its own writer goroutine,
// so a slow or stuck connection only loses its own messages. Delivery is
// live only: nothing is replayed to subscribers that join later.
package hub

import (
	"encoding/json"
	"errors"
	"go-bms-telemetry/internal/metrics"
	"go-bms-telemetry/model"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
)

var ErrHubClosed = errors.New("hub is closed")

const writeTimeout = 10 * time.Second

// Conn is the part of a WebSocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

type Subscriber struct {
	conn    Conn
	queue   chan []byte
	open    atomic.Bool
	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
}

func (s *Subscriber) Open() bool { return s.open.Load() }

func (s *Subscriber) close() {
	s.once.Do(func() {
		s.open.Store(false)
		close(s.done)
		s.conn.Close()
	})
}

type Hub struct {
	logger    *zerolog.Logger
	metrics   *metrics.Metrics
	queueSize int

	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	closed      bool
}

func NewHub(logger *zerolog.Logger, m *metrics.Metrics, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Hub{
		logger:      logger,
		metrics:     m,
		queueSize:   queueSize,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Register adds conn to the live set and starts its writer.
func (h *Hub) Register(conn Conn) (*Subscriber, error) {
	s := &Subscriber{
		conn:    conn,
		queue:   make(chan []byte, h.queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.open.Store(true)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.subscribers[s] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.setGauge(count)
	h.logger.Info().Int("subscribers", count).Msg("live subscriber connected")

	go h.writePump(s)
	return s, nil
}

// Unregister removes s, closes its connection and waits for its writer to
// stop. It is safe to call more than once.
func (h *Hub) Unregister(s *Subscriber) {
	if s == nil {
		return
	}
	h.remove(s)
	<-s.stopped
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[s]
	delete(h.subscribers, s)
	count := len(h.subscribers)
	h.mu.Unlock()

	s.close()
	if ok {
		h.setGauge(count)
		h.logger.Info().Int("subscribers", count).Msg("live subscriber disconnected")
	}
}

// Publish queues the sample for every open subscriber without blocking.
func (h *Hub) Publish(sample *model.Sample) {
	msg, err := json.Marshal(sample)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode sample for broadcast")
		return
	}

	var sent, dropped int
	h.mu.RLock()
	for s := range h.subscribers {
		if !s.Open() {
			continue
		}
		select {
		case s.queue <- msg:
			sent++
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.logger.Warn().Int("dropped", dropped).Msg("subscriber queue full, dropping sample")
	}
	if h.metrics != nil {
		h.metrics.BroadcastSent.Add(float64(sent))
		h.metrics.BroadcastDropped.Add(float64(dropped))
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.Unregister(s)
	}
}

func (h *Hub) writePump(s *Subscriber) {
	defer close(s.stopped)

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if d, ok := s.conn.(deadliner); ok {
				if err := d.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					h.logger.Debug().Err(err).Msg("live subscriber write deadline failed")
					h.remove(s)
					return
				}
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug().Err(err).Msg("live subscriber write failed")
				h.remove(s)
				return
			}
		}
	}
}

func (h *Hub) setGauge(count int) {
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(count))
	}
}
