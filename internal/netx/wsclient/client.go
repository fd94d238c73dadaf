// Package wsclient provides the reconnecting WebSocket primitive shared by
// every streaming adapter: dial, fixed-interval reconnect with bounded
// attempts, heartbeat with a pong deadline, and safe sends.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
)

// Handlers are the event callbacks a stream adapter can register. All are
// optional. OnMessage receives the raw frame and, when ParseJSON is set, the
// decoded value (nil otherwise).
type Handlers struct {
	OnOpen                 func()
	OnMessage              func(raw []byte, parsed interface{})
	OnError                func(error)
	OnClose                func()
	OnReconnect            func()
	OnMaxReconnectAttempts func()
}

// Options configures a Client.
type Options struct {
	Source               model.SourceName
	URL                  string
	AutoReconnect        bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	PongTimeout          time.Duration
	ParseJSON            bool

	// AppPing, when set, is sent instead of a protocol-level ping frame.
	// Providers like OKX require a text "ping".
	AppPing []byte
	// IsAppPong recognizes the provider's application-level pong frame so it
	// refreshes the heartbeat deadline and is not delivered to OnMessage.
	IsAppPong func([]byte) bool

	Handlers Handlers
	Metrics  *metrics.Registry
}

// Client is a WebSocket connection that maintains itself.
type Client struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	isOpen    bool
	isClosing bool
	lastPong  time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// New builds a client; no connection is made until Connect.
func New(opts Options) *Client {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = opts.PingInterval
	}
	return &Client{opts: opts}
}

// Connect dials the endpoint and starts the read and heartbeat loops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.isOpen {
		c.mu.Unlock()
		return fmt.Errorf("already connected to %s", c.redactedURL())
	}
	c.isClosing = false
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.dial(); err != nil {
		return err
	}

	c.mu.Lock()
	c.loopDone = make(chan struct{})
	c.mu.Unlock()
	go c.run()
	return nil
}

// Close tears down the connection and prevents further reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	c.isClosing = true
	conn := c.conn
	cancel := c.cancel
	done := c.loopDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

// IsOpen reports whether the socket is currently connected.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

// Send marshals v (or sends it raw when it is a []byte) on the socket. A send
// on a non-open socket warns and drops the frame; it never returns an error
// for that case.
func (c *Client) Send(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isOpen || c.conn == nil {
		log.Warn().
			Str("source", string(c.opts.Source)).
			Str("url", c.redactedURL()).
			Msg("dropping send on non-open websocket")
		return
	}

	var data []byte
	switch msg := v.(type) {
	case []byte:
		data = msg
	case string:
		data = []byte(msg)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			log.Warn().Err(err).Str("source", string(c.opts.Source)).Msg("dropping unmarshalable websocket frame")
			return
		}
		data = encoded
	}

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.countError("send")
		log.Warn().Err(err).Str("source", string(c.opts.Source)).Msg("websocket send failed")
	}
}

func (c *Client) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(c.ctx, c.opts.URL, nil)
	if err != nil {
		c.countError("connect")
		return fmt.Errorf("websocket connect to %s: %w", c.redactedURL(), err)
	}

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.isOpen = true
	c.lastPong = time.Now()
	c.mu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.WSConnections.WithLabelValues(string(c.opts.Source)).Inc()
	}
	log.Info().Str("source", string(c.opts.Source)).Str("url", c.redactedURL()).Msg("websocket connected")

	if c.opts.Handlers.OnOpen != nil {
		c.opts.Handlers.OnOpen()
	}
	return nil
}

// run owns the connection: it reads until failure, then either reconnects or
// gives up, and keeps the heartbeat going.
func (c *Client) run() {
	defer close(c.loopDone)
	for {
		readErr := c.readLoop()

		c.markClosed()
		if c.opts.Handlers.OnClose != nil {
			c.opts.Handlers.OnClose()
		}

		c.mu.Lock()
		closing := c.isClosing
		c.mu.Unlock()
		if closing || c.ctx.Err() != nil || !c.opts.AutoReconnect {
			return
		}

		log.Warn().
			Err(readErr).
			Str("source", string(c.opts.Source)).
			Msg("websocket closed unexpectedly, reconnecting")

		if !c.reconnect() {
			return
		}
	}
}

func (c *Client) readLoop() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	pingTicker := time.NewTicker(c.opts.PingInterval)
	defer pingTicker.Stop()

	readErrCh := make(chan error, 1)
	frames := make(chan []byte, 64)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			select {
			case frames <- data:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case err := <-readErrCh:
			c.countError("read")
			return err
		case data := <-frames:
			c.handleFrame(data)
		case <-pingTicker.C:
			if err := c.heartbeat(); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return
	}
	if c.opts.IsAppPong != nil && c.opts.IsAppPong(data) {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return
	}

	if c.opts.Metrics != nil {
		c.opts.Metrics.WSMessagesReceived.WithLabelValues(string(c.opts.Source)).Inc()
	}

	var parsed interface{}
	if c.opts.ParseJSON {
		if err := json.Unmarshal(data, &parsed); err != nil {
			log.Debug().
				Str("source", string(c.opts.Source)).
				Msg("dropping unparseable websocket frame")
			return
		}
	}
	if c.opts.Handlers.OnMessage != nil {
		c.opts.Handlers.OnMessage(data, parsed)
	}
}

func (c *Client) heartbeat() error {
	c.mu.Lock()
	sincePong := time.Since(c.lastPong)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection gone")
	}

	if sincePong > c.opts.PingInterval+c.opts.PongTimeout {
		c.countError("pong_timeout")
		log.Warn().
			Str("source", string(c.opts.Source)).
			Dur("since_pong", sincePong).
			Msg("no pong within deadline, forcing close")
		conn.Close()
		return fmt.Errorf("pong timeout after %s", sincePong)
	}

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if c.opts.AppPing != nil {
		return conn.WriteMessage(websocket.TextMessage, c.opts.AppPing)
	}
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// reconnect retries with a fixed interval up to the configured attempt limit.
// Returns false when it gives up.
func (c *Client) reconnect() bool {
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.opts.ReconnectInterval):
		}

		c.mu.Lock()
		closing := c.isClosing
		c.mu.Unlock()
		if closing {
			return false
		}

		if c.opts.Metrics != nil {
			c.opts.Metrics.WSReconnects.WithLabelValues(string(c.opts.Source), "unexpected_close").Inc()
		}
		if err := c.dial(); err != nil {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max", c.opts.MaxReconnectAttempts).
				Str("source", string(c.opts.Source)).
				Msg("websocket reconnect failed")
			continue
		}

		if c.opts.Handlers.OnReconnect != nil {
			c.opts.Handlers.OnReconnect()
		}
		return true
	}

	log.Error().
		Str("source", string(c.opts.Source)).
		Int("attempts", c.opts.MaxReconnectAttempts).
		Msg("websocket reconnect attempts exhausted")
	if c.opts.Handlers.OnMaxReconnectAttempts != nil {
		c.opts.Handlers.OnMaxReconnectAttempts()
	}
	return false
}

func (c *Client) markClosed() {
	c.mu.Lock()
	wasOpen := c.isOpen
	c.isOpen = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	if wasOpen && c.opts.Metrics != nil {
		c.opts.Metrics.WSConnections.WithLabelValues(string(c.opts.Source)).Dec()
	}
}

func (c *Client) countError(errorType string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.WSErrors.WithLabelValues(string(c.opts.Source), errorType).Inc()
	}
}

// redactedURL strips credentials, query and fragment for logging.
func (c *Client) redactedURL() string {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
