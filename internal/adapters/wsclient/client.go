// Package wsclient is the office client's connection to the relay. It
// implements core.SignalChannel and core.PresenceChannel over one websocket.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/DeskCall/internal/core"
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/dkeye/DeskCall/internal/proto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer       = 64
	writeWait        = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

var (
	ErrClosed    = errors.New("relay connection closed")
	ErrHandshake = errors.New("relay handshake failed")
	ErrRelay     = errors.New("relay error")
)

// Handler receives inbound traffic. Calls are made from the read loop one at
// a time, in arrival order.
type Handler interface {
	OnMessage(ctx context.Context, m domain.Message)
	OnPresence(ctx context.Context, ps domain.PresenceSync)
	OnProtocolError(err error)
}

type Options struct {
	Actor       domain.PeerID
	DisplayName string
	// SendTimeout bounds how long a send waits for buffer space.
	SendTimeout time.Duration
}

type Client struct {
	conn *websocket.Conn
	opts Options
	self domain.SessionID
	log  zerolog.Logger

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	running    atomic.Bool
	closeOnce  sync.Once

	seq     atomic.Uint64
	mu      sync.Mutex
	waiters map[string]chan proto.Frame
}

var (
	_ core.SignalChannel   = (*Client)(nil)
	_ core.PresenceChannel = (*Client)(nil)
)

// Dial connects and completes the hello/welcome handshake.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = writeWait
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &Client{
		conn:       ws,
		opts:       opts,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		waiters:    make(map[string]chan proto.Frame),
	}
	if err := c.handshake(); err != nil {
		_ = ws.Close()
		return nil, err
	}
	c.log = log.With().Str("module", "wsclient").Str("sid", string(c.self)).Logger()
	c.log.Info().Str("url", url).Msg("connected to relay")
	return c, nil
}

func (c *Client) handshake() error {
	hello, err := proto.Encode(proto.Frame{Type: proto.TypeHello, Ref: "hello", Actor: c.opts.Actor, DisplayName: c.opts.DisplayName})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		f, err := proto.Decode(data)
		if err != nil {
			continue
		}
		switch f.Type {
		case proto.TypeWelcome:
			if f.SessionID == "" {
				return fmt.Errorf("%w: welcome without session id", ErrHandshake)
			}
			c.self = f.SessionID
			return nil
		case proto.TypeError:
			return fmt.Errorf("%w: %s", ErrHandshake, f.Error)
		}
	}
}

func (c *Client) Self() domain.SessionID { return c.self }

// Run pumps frames until ctx ends or the connection drops.
func (c *Client) Run(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.running.Store(true)
	go c.writePump(ctx)
	err := c.readPump(ctx, h)
	c.Close()
	return err
}

// Close flushes queued sends, then shuts the connection. Pending requests
// fail with ErrClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		running := c.running.Load()
		if running {
			c.drain()
		}
		close(c.done)
		if running {
			select {
			case <-c.writerDone:
			case <-time.After(writeWait):
			}
		}
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

func (c *Client) drain() {
	deadline := time.After(writeWait)
	for len(c.send) > 0 {
		select {
		case <-c.writerDone:
			return
		case <-deadline:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// writePump closes the socket when it gives up so readPump unblocks.
func (c *Client) writePump(ctx context.Context) {
	defer close(c.writerDone)
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
			return
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, h Handler) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay read: %w", err)
		}
		f, err := proto.Decode(data)
		if err != nil {
			h.OnProtocolError(err)
			continue
		}
		c.dispatch(ctx, h, f)
	}
}

func (c *Client) dispatch(ctx context.Context, h Handler, f proto.Frame) {
	switch f.Type {
	case proto.TypeMessage:
		raw, err := Normalize(f.Payload)
		if err != nil {
			h.OnProtocolError(fmt.Errorf("from %s: %w", f.From, err))
			return
		}
		m, err := domain.Decode(raw)
		if err != nil {
			h.OnProtocolError(err)
			return
		}
		h.OnMessage(ctx, m)
	case proto.TypePresenceSync:
		h.OnPresence(ctx, domain.PresenceSync{DeskID: f.DeskID, Revision: f.Revision, Participants: f.Participants})
	case proto.TypeDeskJoined, proto.TypeDeskLeft, proto.TypePong, proto.TypeError:
		if c.resolve(f) {
			return
		}
		if f.Type == proto.TypeError {
			h.OnProtocolError(fmt.Errorf("%w: %s", ErrRelay, f.Error))
		}
	default:
		h.OnProtocolError(fmt.Errorf("%w: unexpected %q", proto.ErrBadFrame, f.Type))
	}
}

func (c *Client) resolve(f proto.Frame) bool {
	if f.Ref == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.waiters[f.Ref]
	delete(c.waiters, f.Ref)
	c.mu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

func (c *Client) enqueue(ctx context.Context, f proto.Frame) error {
	data, err := proto.Encode(f)
	if err != nil {
		return err
	}
	t := time.NewTimer(c.opts.SendTimeout)
	defer t.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("send %s: buffer full", f.Type)
	}
}

// request sends f and waits for the reply carrying the same ref.
func (c *Client) request(ctx context.Context, f proto.Frame) (proto.Frame, error) {
	f.Ref = strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan proto.Frame, 1)
	c.mu.Lock()
	c.waiters[f.Ref] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, f.Ref)
		c.mu.Unlock()
	}()

	if err := c.enqueue(ctx, f); err != nil {
		return proto.Frame{}, err
	}
	select {
	case reply := <-ch:
		if reply.Type == proto.TypeError {
			return reply, fmt.Errorf("%w: %s", ErrRelay, reply.Error)
		}
		return reply, nil
	case <-c.done:
		return proto.Frame{}, ErrClosed
	case <-ctx.Done():
		return proto.Frame{}, ctx.Err()
	}
}

func (c *Client) SendTo(ctx context.Context, to domain.PeerID, msg domain.Message) error {
	payload, err := domain.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, proto.Frame{Type: proto.TypeSend, To: to, Payload: payload})
}

func (c *Client) Publish(ctx context.Context, desk domain.DeskID, msg domain.Message) error {
	payload, err := domain.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, proto.Frame{Type: proto.TypePublish, DeskID: desk, Payload: payload})
}

func (c *Client) JoinDesk(ctx context.Context, desk domain.DeskID) (time.Time, error) {
	reply, err := c.request(ctx, proto.Frame{Type: proto.TypeDeskJoin, DeskID: desk})
	if err != nil {
		return time.Time{}, err
	}
	if reply.Type != proto.TypeDeskJoined || reply.JoinedAt == nil {
		return time.Time{}, fmt.Errorf("%w: unexpected %q reply to desk_join", proto.ErrBadFrame, reply.Type)
	}
	return *reply.JoinedAt, nil
}

func (c *Client) LeaveDesk(ctx context.Context, desk domain.DeskID) error {
	_, err := c.request(ctx, proto.Frame{Type: proto.TypeDeskLeave, DeskID: desk})
	return err
}

// Ping round-trips the relay.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.request(ctx, proto.Frame{Type: proto.TypePing}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
