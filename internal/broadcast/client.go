package broadcast

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// ReconnectBackoffBase, ReconnectBackoffCap, and MaxReconnectAttempts
// implement the client-side reconnection contract from §4.9: exponential
// backoff from a 1s base, jittered by up to 1s, capped at 30s, abandoned
// after 10 attempts.
const (
	ReconnectBackoffBase  = 1 * time.Second
	ReconnectBackoffCap   = 30 * time.Second
	MaxReconnectAttempts  = 10
)

// backoffDelay returns the delay before reconnect attempt n (1-indexed):
// min(base * 2^(n-1), cap) plus up to 1s of jitter.
func backoffDelay(attempt int) time.Duration {
	delay := ReconnectBackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ReconnectBackoffCap {
			delay = ReconnectBackoffCap
			break
		}
	}
	return delay + jitter()
}

func jitter() time.Duration {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(b[:]) % uint64(time.Second))
}

// Client subscribes to one topic on a remote Hub, reconnecting with backoff
// on connection loss and invoking onMessage for each delivered Message. It
// is the counterpart the teacher would hand a TUI or CLI client rather than
// a server-side component.
type Client struct {
	url       string
	onMessage func(Message)
}

// NewClient returns a Client that will dial wsURL (e.g.
// "ws://host:port/ws/?topic=queue") and deliver messages to onMessage.
func NewClient(wsURL string, onMessage func(Message)) (*Client, error) {
	if _, err := url.Parse(wsURL); err != nil {
		return nil, fmt.Errorf("broadcast: parsing url %q: %w", wsURL, err)
	}
	return &Client{url: wsURL, onMessage: onMessage}, nil
}

// Run connects and streams messages until ctx is cancelled or the reconnect
// budget (MaxReconnectAttempts) is exhausted, in which case it returns
// ErrReconnectBudgetExhausted so the caller can fall back to HTTP polling.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			attempt++
			if attempt > MaxReconnectAttempts {
				return ErrReconnectBudgetExhausted
			}
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0 // a successful dial resets the backoff budget

		// ReadJSON blocks with no context awareness, so a watcher goroutine
		// closes the connection as soon as ctx is cancelled to unblock it.
		stopWatcher := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close() //nolint:errcheck
			case <-stopWatcher:
			}
		}()

		lost := c.readLoop(ctx, conn)
		close(stopWatcher)
		conn.Close() //nolint:errcheck
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !lost {
			return nil
		}
	}
}

// readLoop reads messages until the connection fails or ctx is done.
// Returns true if the connection was lost (caller should reconnect).
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) bool {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return ctx.Err() == nil
		}
		c.onMessage(msg)
	}
}

// ErrReconnectBudgetExhausted is returned by Client.Run when a dial fails
// after MaxReconnectAttempts consecutive failed reconnects, that is, on the
// (MaxReconnectAttempts+1)th consecutive dial failure.
var ErrReconnectBudgetExhausted = fmt.Errorf("broadcast: exhausted reconnect attempts")

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
