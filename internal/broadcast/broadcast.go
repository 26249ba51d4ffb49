// Package broadcast implements the Broadcast Hub: one persistent,
// bidirectional stream per topic that fans out state-change events to every
// connected observer, generalizing the teacher's in-process EventBridge
// (backend channel -> Bubble Tea message) into a network-facing hub (backend
// channel -> many websocket subscribers).
package broadcast

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// Topic names the seven streams the Hub multiplexes, per §4.9.
type Topic string

const (
	TopicQueue          Topic = "queue"
	TopicRunsMonitor    Topic = "runs-monitor"
	TopicServiceStatus  Topic = "service-status"
	TopicRoutes         Topic = "routes"
	TopicHistory        Topic = "history"
	TopicPlans          Topic = "plans"
	TopicWebhookStatus  Topic = "webhook-status"
)

var knownTopics = map[Topic]bool{
	TopicQueue: true, TopicRunsMonitor: true, TopicServiceStatus: true,
	TopicRoutes: true, TopicHistory: true, TopicPlans: true, TopicWebhookStatus: true,
}

// Message is the envelope carried on every topic stream. Version increments
// per-topic so a reconnecting client can detect whether it missed deltas.
type Message struct {
	Type    string `json:"type"`
	Topic   Topic  `json:"topic"`
	Data    any    `json:"data"`
	Version uint64 `json:"version"`
}

// subscriber is one connected observer's outbound queue for a topic.
type subscriber struct {
	send chan Message
}

// Hub owns one fan-out channel per topic and the set of subscribers
// currently attached to each. It holds no domain state of its own: every
// message it has ever sent can be recomputed by the caller, matching the
// spec's "stateless Broadcast Hub that re-derives snapshots" requirement.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[*subscriber]bool
	versions    map[Topic]*uint64
	upgrader    websocket.Upgrader
	logger      *log.Logger
}

// New returns a Hub ready to accept subscribers and publish events.
func New(logger *log.Logger) *Hub {
	versions := make(map[Topic]*uint64, len(knownTopics))
	for t := range knownTopics {
		var v uint64
		versions[t] = &v
	}
	return &Hub{
		subscribers: make(map[Topic]map[*subscriber]bool),
		versions:    versions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// subscriberBuffer bounds how many undelivered messages a slow subscriber can
// accumulate before Publish drops the connection rather than blocking.
const subscriberBuffer = 64

// Publish sends an event of msgType carrying data to every subscriber of
// topic, stamping it with the topic's next version. Publish never blocks on
// a slow reader: a subscriber whose buffer is full is disconnected.
func (h *Hub) Publish(topic Topic, msgType string, data any) {
	if !knownTopics[topic] {
		return
	}
	version := atomic.AddUint64(h.versions[topic], 1)
	msg := Message{Type: msgType, Topic: topic, Data: data, Version: version}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers[topic]))
	for s := range h.subscribers[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.send <- msg:
		default:
			h.logf("broadcast: subscriber to %s is slow, dropping connection", topic)
			h.unsubscribe(topic, s)
			close(s.send)
		}
	}
}

// ServeWS upgrades r to a websocket connection and attaches it to topic
// until the connection closes, a write fails, or Publish drops it as a slow
// subscriber. An unknown topic gets 404. "adw serve" mounts it under /ws/
// and takes the topic from the ?topic= query parameter.
func (h *Hub) ServeWS(topic Topic, w http.ResponseWriter, r *http.Request) {
	if !knownTopics[topic] {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("broadcast: upgrading connection for %s: %v", topic, err)
		return
	}
	defer conn.Close() //nolint:errcheck

	sub := &subscriber{send: make(chan Message, subscriberBuffer)}
	h.subscribe(topic, sub)
	defer h.unsubscribe(topic, sub)

	// A dedicated reader goroutine drains client pings/closes so the
	// underlying connection's read deadline keeps advancing; this hub is
	// server-push only and ignores message content from the client.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-sub.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(topic Topic, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[topic] == nil {
		h.subscribers[topic] = make(map[*subscriber]bool)
	}
	h.subscribers[topic][sub] = true
}

func (h *Hub) unsubscribe(topic Topic, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers[topic], sub)
}

// SubscriberCount reports how many connections are currently attached to
// topic. Exposed for tests and for the service-status topic's own snapshot.
func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Error(fmt.Sprintf(format, args...))
}
