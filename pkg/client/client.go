// Package client is the player-side control-plane connection: a reconnecting
// websocket with an event handler registry.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("not connected")

const redialDelay = 5 * time.Second

// Event mirrors the server's wire envelope.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client maintains one websocket to the coordinator, redialing every
// redialDelay until the context ends. Handlers run on the read goroutine, so
// they must not block.
type Client struct {
	wsURL string

	mu        sync.Mutex
	ws        *websocket.Conn
	handlers  map[string]func(json.RawMessage)
	onConnect func()
}

// New builds a client for an http(s) base URL. Exactly one of token or name
// is used: token for authenticated connections, name for anonymous ones.
func New(baseURL, token, name string) (*Client, error) {
	wsURL, err := wsEndpoint(baseURL, token, name)
	if err != nil {
		return nil, err
	}
	return &Client{
		wsURL:    wsURL,
		handlers: make(map[string]func(json.RawMessage)),
	}, nil
}

// On registers the handler for one event type. Call before Run.
func (c *Client) On(event string, fn func(json.RawMessage)) {
	c.handlers[event] = fn
}

// OnConnect runs after every successful (re)dial; use it to re-establish
// session state.
func (c *Client) OnConnect(fn func()) { c.onConnect = fn }

// Run dials and reads until ctx is done, redialing on any failure.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.dialAndRead(ctx); err != nil && ctx.Err() == nil {
			log.Printf("connection lost: %v; retrying in %s", err, redialDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(redialDelay):
		}
	}
}

func (c *Client) dialAndRead(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	log.Printf("connected to %s", c.wsURL)
	if c.onConnect != nil {
		c.onConnect()
	}
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()
	// Close the socket when ctx ends so ReadJSON unblocks.
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()
	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			return err
		}
		if fn, ok := c.handlers[ev.Type]; ok {
			fn(ev.Payload)
		}
	}
}

// Send writes one event. Fails fast while disconnected; the caller decides
// whether to retry after the redial.
func (c *Client) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteJSON(Event{Type: event, Payload: data})
}

// SetRendezvousID publishes a rendezvous lobby id to the coordinator. This is
// the reconciler's write path.
func (c *Client) SetRendezvousID(id string) error {
	return c.Send("session:setRendezvousId", map[string]string{"rendezvousId": id})
}

// Close tears the current socket down. Run will redial unless its context is
// already done.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
}

func wsEndpoint(baseURL, token, name string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	} else if name != "" {
		q.Set("name", name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
