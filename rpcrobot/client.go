// Package rpcrobot is the resilient WebSocket RPC client used to talk to
// a single physical robot: connect/reconnect with a bounded retry
// budget, a mutex-guarded in-flight request map, and a background
// reader goroutine demultiplexing responses onto per-request channels,
// adapted to the rosbridge-style call_service/service_response protocol
// the robot controllers speak.
package rpcrobot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"labcell/apperr"
)

// State is the connection lifecycle of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Request is the rosbridge-style call_service envelope sent on the wire.
type Request struct {
	Op      string                 `json:"op"`
	Service string                 `json:"service"`
	Args    map[string]interface{} `json:"args"`
	ID      string                 `json:"id,omitempty"`
}

// Response is the service_response envelope a robot sends back. Values
// carries the action-specific payload (finish/remaining/etc); Result is
// the robot's own success flag, independent of transport-level errors.
type Response struct {
	ID     string                 `json:"id,omitempty"`
	Result bool                   `json:"result"`
	Values map[string]interface{} `json:"values"`
	Error  string                 `json:"error,omitempty"`
}

// Config configures a single robot link.
type Config struct {
	Name             string
	URL              string // ws://host:port/
	MaxRetryAttempts int    // 0 means unlimited
	RetryInterval    time.Duration
	DialTimeout      time.Duration
}

func (c Config) retryInterval() time.Duration {
	if c.RetryInterval <= 0 {
		return 5 * time.Second
	}
	return c.RetryInterval
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return c.DialTimeout
}

// Client is a single robot's RPC link: one reader goroutine demultiplexes
// service_response frames to waiting callers by correlation ID, while
// SendRequest blocks the caller until its response arrives, the deadline
// expires, or the link drops.
type Client struct {
	cfg Config

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	retries      int
	waiters      map[string]chan Response
	closing      bool
	closeCh      chan struct{}
	reconnecting bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a disconnected client for the given robot link config.
func New(cfg Config) *Client {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		state:      Disconnected,
		waiters:    make(map[string]chan Response),
		closeCh:    make(chan struct{}),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// State reports the current connection lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the robot, retrying with Config.RetryInterval between
// attempts. It returns once connected, once MaxRetryAttempts is exhausted,
// or once ctx is cancelled. A successful connect starts the background
// reader goroutine that demultiplexes responses.
func (c *Client) Connect(ctx context.Context) error {
	attempt := 0
	for {
		c.mu.Lock()
		if c.state == Connected {
			c.mu.Unlock()
			return nil
		}
		c.state = Connecting
		c.mu.Unlock()

		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.dialTimeout())
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
		cancel()

		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.state = Connected
			c.retries = 0
			c.closing = false
			c.closeCh = make(chan struct{})
			c.mu.Unlock()
			log.Printf("rpcrobot[%s]: connected to %s", c.cfg.Name, c.cfg.URL)
			go c.readLoop()
			return nil
		}

		log.Printf("rpcrobot[%s]: connect attempt %d failed: %v", c.cfg.Name, attempt, err)
		c.mu.Lock()
		c.state = Disconnected
		c.retries = attempt
		c.mu.Unlock()

		if c.cfg.MaxRetryAttempts != 0 && attempt >= c.cfg.MaxRetryAttempts {
			return apperr.Wrap(apperr.CodeRobotDisconnected, fmt.Errorf("%s: exhausted %d connect attempts: %w", c.cfg.Name, attempt, err))
		}

		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.CodeRobotDisconnected, ctx.Err())
		case <-time.After(c.cfg.retryInterval()):
		}
	}
}

// Close shuts the link down; no further reconnect is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	state := c.state
	c.state = Disconnected
	close(c.closeCh)
	c.mu.Unlock()

	c.cancelBase()

	if state == Connected && conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop() {
	c.mu.Lock()
	conn := c.conn
	myClose := c.closeCh
	c.mu.Unlock()

	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			log.Printf("rpcrobot[%s]: read error: %v", c.cfg.Name, err)
			c.markDisconnected()
			return
		}

		c.mu.Lock()
		ch, ok := c.waiters[resp.ID]
		if ok {
			delete(c.waiters, resp.ID)
		}
		closing := c.closing
		c.mu.Unlock()

		if closing {
			return
		}
		select {
		case <-myClose:
			return
		default:
		}

		if ok {
			ch <- resp
		}
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.state = Disconnected
	waiters := c.waiters
	c.waiters = make(map[string]chan Response)
	closing := c.closing
	startReconnect := !closing && !c.reconnecting
	if startReconnect {
		c.reconnecting = true
	}
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	if startReconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop re-dials using the configured retry policy after an
// unexpected disconnect, so a link drop recovers in the background
// instead of leaving the client permanently disconnected until the next
// process restart. It stops once Close cancels baseCtx.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	if err := c.Connect(c.baseCtx); err != nil {
		log.Printf("rpcrobot[%s]: background reconnect gave up: %v", c.cfg.Name, err)
	}
}

// SendRequest issues a call_service request and blocks for the matching
// service_response or until timeout elapses. It returns apperr-coded
// failures for disconnection, timeout and robot-reported errors so callers
// can distinguish retryable from terminal conditions.
func (c *Client) SendRequest(ctx context.Context, service, action string, extra map[string]interface{}, timeout time.Duration) (Response, error) {
	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return Response{}, apperr.New(apperr.CodeRobotDisconnected, fmt.Sprintf("%s is not connected", c.cfg.Name))
	}

	id := uuid.NewString()
	ch := make(chan Response, 1)
	c.waiters[id] = ch
	conn := c.conn
	c.mu.Unlock()

	args := map[string]interface{}{"action": action}
	for k, v := range extra {
		args[k] = v
	}
	req := Request{Op: "call_service", Service: service, Args: args, ID: id}

	if err := conn.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		c.markDisconnected()
		return Response{}, apperr.Wrap(apperr.CodeRobotDisconnected, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, apperr.New(apperr.CodeRobotDisconnected, fmt.Sprintf("%s disconnected while awaiting %s/%s", c.cfg.Name, service, action))
		}
		if !resp.Result {
			return resp, apperr.New(apperr.CodeRobotRemoteError, fmt.Sprintf("%s: %s/%s reported failure: %s", c.cfg.Name, service, action, resp.Error))
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return Response{}, apperr.New(apperr.CodeRobotTimeout, fmt.Sprintf("%s: %s/%s timed out after %s", c.cfg.Name, service, action, timeout))
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return Response{}, apperr.Wrap(apperr.CodeRobotTimeout, ctx.Err())
	}
}

// Finished reports whether a Response's values carry finish=true, the
// completion signal the robot uses on long-running actions (scan, grab).
func Finished(r Response) bool {
	if r.Values == nil {
		return false
	}
	v, ok := r.Values["finish"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// MarshalArgs is a convenience for callers building typed extra-arg maps;
// it round-trips through JSON so struct tags control field names.
func MarshalArgs(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
