// Package bridge is a JSON-over-WebSocket client for platform bridges
// (WhatsApp, Signal, Telegram user accounts) that run the real protocol
// in a separate process.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types shared by every bridge.
const (
	FrameMessage = "message" // inbound chat message (bridge → gateway) or outbound send
	FrameSelf    = "self"    // the bridge announces the logged-in account
)

// ErrNotConnected is returned by Send while the bridge is down.
var ErrNotConnected = errors.New("bridge not connected")

// Envelope is the part of every frame the client inspects.
type Envelope struct {
	Type string `json:"type"`
}

// SelfFrame describes the account the bridge is logged in as.
type SelfFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	UUID     string `json:"uuid,omitempty"`
	Username string `json:"username,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// OutboundFrame is the send request understood by every bridge.
type OutboundFrame struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// FrameHandler receives every decoded frame with its raw bytes.
type FrameHandler func(ctx context.Context, env Envelope, raw []byte)

// Config configures a Client.
type Config struct {
	Name       string // log prefix, e.g. "whatsapp"
	URL        string
	Token      string // sent as "Authorization: Bearer <token>" when set
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client keeps one WebSocket open to a bridge, reconnecting with
// exponential backoff, and hands every text frame to the handler.
type Client struct {
	cfg     Config
	handler FrameHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client. Call Start to connect.
func NewClient(cfg Config, handler FrameHandler) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s bridge_url is required", cfg.Name)
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{cfg: cfg, handler: handler}, nil
}

// Start connects and begins the read loop. An initial dial failure is
// logged; the loop keeps retrying.
func (c *Client) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.connect(runCtx); err != nil {
		slog.Warn("bridge: initial connection failed, will retry", "bridge", c.cfg.Name, "error", err)
	}
	go c.listenLoop(runCtx)
}

// Stop closes the connection and waits for the read loop to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	if c.done != nil {
		<-c.done
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes v as one JSON text frame.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s frame: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s bridge %s: %w", c.cfg.Name, c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("bridge: connected", "bridge", c.cfg.Name, "url", c.cfg.URL)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *Client) listenLoop(ctx context.Context) {
	defer close(c.done)
	backoff := c.cfg.MinBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Debug("bridge: attempting reconnect", "bridge", c.cfg.Name, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(ctx); err != nil {
				slog.Warn("bridge: reconnect failed", "bridge", c.cfg.Name, "error", err)
				backoff = min(backoff*2, c.cfg.MaxBackoff)
				continue
			}
			backoff = c.cfg.MinBackoff
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("bridge: read error, will reconnect", "bridge", c.cfg.Name, "error", err)
			}
			c.closeConn()
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("bridge: invalid frame", "bridge", c.cfg.Name, "error", err)
			continue
		}
		if c.handler != nil {
			c.handler(ctx, env, data)
		}
	}
}
