// Package wsrelay connects a call client to the signaling WebSocket of the
// call service.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/signaling"
)

// ErrClosed is returned by Send after the connection is gone
var ErrClosed = errors.New("wsrelay: connection closed")

// EventHandler receives events in the order the server sent them
type EventHandler func(ctx context.Context, ev *signaling.Event)

// Client is a signaling connection. Requests are matched to their
// acknowledgements by id; events are delivered on a separate goroutine so
// that a handler may itself send requests.
type Client struct {
	conn    *websocket.Conn
	onEvent EventHandler
	log     *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *signaling.Ack

	events    chan *signaling.Event
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens a signaling connection authenticated with token
func Dial(ctx context.Context, url, token string, onEvent EventHandler, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial signaling (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial signaling: %w", err)
	}

	c := &Client{
		conn:    conn,
		onEvent: onEvent,
		log:     logger,
		pending: make(map[string]chan *signaling.Ack),
		events:  make(chan *signaling.Event, 64),
		done:    make(chan struct{}),
	}
	go c.readPump()
	go c.dispatch()
	return c, nil
}

// Send writes one request and waits for its acknowledgement
func (c *Client) Send(ctx context.Context, kind signaling.Kind, payload any) (*signaling.Ack, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	wait := make(chan *signaling.Ack, 1)
	c.mu.Lock()
	c.pending[id] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(&signaling.Request{ID: id, Type: kind, Payload: raw}); err != nil {
		return nil, err
	}

	select {
	case ack := <-wait:
		return ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closeErr()
	}
}

func (c *Client) write(req *signaling.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return c.closeErr()
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(req); err != nil {
		c.shutdown(err)
		return fmt.Errorf("failed to write %s: %w", req.Type, err)
	}
	return nil
}

// readPump reads frames until the connection fails. Pings from the server
// are answered by the default ping handler.
func (c *Client) readPump() {
	c.conn.SetReadLimit(constants.MaxMessageSize)
	for {
		var frame signaling.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Signaling connection lost", zap.Error(err))
			}
			c.shutdown(err)
			return
		}

		switch {
		case frame.Ack != nil:
			c.mu.Lock()
			wait := c.pending[frame.Ack.ID]
			c.mu.Unlock()
			if wait != nil {
				select {
				case wait <- frame.Ack:
				default:
				}
			}
		case frame.Event != nil:
			select {
			case c.events <- frame.Event:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) dispatch() {
	for {
		select {
		case ev := <-c.events:
			if c.onEvent != nil {
				c.onEvent(context.Background(), ev)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and releases the connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(constants.WebSocketWriteWait))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}
