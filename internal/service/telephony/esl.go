package telephony

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fiorix/go-eventsocket/eventsocket"
	"github.com/rs/zerolog/log"
)

// eslConn is the subset of *eventsocket.Connection in use.
type eslConn interface {
	Send(command string) (*eventsocket.Event, error)
	ReadEvent() (*eventsocket.Event, error)
	Close()
}

type dialFunc func(addr, password string) (eslConn, error)

func dialESL(addr, password string) (eslConn, error) {
	return eventsocket.Dial(addr, password)
}

// ESLConfig configures the event socket client.
type ESLConfig struct {
	Addr     string
	Password string
	// MaxIdle bounds the pooled command connections.
	MaxIdle int
}

// ESLClient implements Controller and Subscriber over the FreeSWITCH
// inbound event socket. Commands run on pooled connections so that calls
// do not queue behind each other.
type ESLClient struct {
	cfg  ESLConfig
	dial dialFunc

	idle chan eslConn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewESLClient creates a client. Connections are dialed lazily.
func NewESLClient(cfg ESLConfig) *ESLClient {
	return newESLClient(cfg, dialESL)
}

func newESLClient(cfg ESLConfig, dial dialFunc) *ESLClient {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 4
	}
	return &ESLClient{
		cfg:    cfg,
		dial:   dial,
		idle:   make(chan eslConn, cfg.MaxIdle),
		closed: make(chan struct{}),
	}
}

// StopAudioStream stops mod_audio_stream forking for the call.
func (c *ESLClient) StopAudioStream(ctx context.Context, callID string) error {
	return c.expectOK(ctx, fmt.Sprintf("uuid_audio_stream %s stop", callID))
}

// Broadcast plays path to both legs of the call.
func (c *ESLClient) Broadcast(ctx context.Context, callID, path string) error {
	return c.expectOK(ctx, fmt.Sprintf("uuid_broadcast %s %s both", callID, path))
}

// Transfer sends the call to a dialplan extension.
func (c *ESLClient) Transfer(ctx context.Context, callID, destination string) error {
	return c.expectOK(ctx, fmt.Sprintf("uuid_transfer %s %s", callID, destination))
}

// Exists reports whether FreeSWITCH still knows the call.
func (c *ESLClient) Exists(ctx context.Context, callID string) (bool, error) {
	body, err := c.api(ctx, "uuid_exists "+callID)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(body) == "true", nil
}

func (c *ESLClient) expectOK(ctx context.Context, cmd string) error {
	body, err := c.api(ctx, cmd)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(strings.TrimSpace(body), "+OK") {
		return fmt.Errorf("%w: %s: %s", ErrCommandFailed, cmd, strings.TrimSpace(body))
	}
	return nil
}

// api runs "api <cmd>" and returns the response body.
func (c *ESLClient) api(ctx context.Context, cmd string) (string, error) {
	conn, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}

	type result struct {
		ev  *eventsocket.Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ev, err := conn.Send("api " + cmd)
		ch <- result{ev, err}
	}()

	select {
	case <-ctx.Done():
		// The reply may still arrive; the connection is out of step now.
		conn.Close()
		return "", fmt.Errorf("esl %q: %w", cmd, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			conn.Close()
			return "", fmt.Errorf("%w: %s: %v", ErrCommandFailed, cmd, r.err)
		}
		c.release(conn)
		if r.ev == nil {
			return "", nil
		}
		return r.ev.Body, nil
	}
}

func (c *ESLClient) acquire(ctx context.Context) (eslConn, error) {
	select {
	case <-c.closed:
		return nil, fmt.Errorf("esl client closed")
	default:
	}
	select {
	case conn := <-c.idle:
		return conn, nil
	default:
	}
	return c.dialContext(ctx)
}

func (c *ESLClient) release(conn eslConn) {
	select {
	case <-c.closed:
		conn.Close()
		return
	default:
	}
	select {
	case c.idle <- conn:
	default:
		conn.Close()
	}
}

func (c *ESLClient) dialContext(ctx context.Context) (eslConn, error) {
	type result struct {
		conn eslConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.dial(c.cfg.Addr, c.cfg.Password)
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("esl dial %s: %w", c.cfg.Addr, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("esl dial %s: %w", c.cfg.Addr, r.err)
		}
		return r.conn, nil
	}
}

// Subscribe opens a dedicated connection receiving the named events.
func (c *ESLClient) Subscribe(ctx context.Context, events ...string) (Stream, error) {
	conn, err := c.dialContext(ctx)
	if err != nil {
		return nil, err
	}

	cmd := "event plain " + strings.Join(events, " ")
	ch := make(chan error, 1)
	go func() {
		_, err := conn.Send(cmd)
		ch <- err
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case err := <-ch:
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("esl %q: %w", cmd, err)
		}
	}

	log.Debug().Str("addr", c.cfg.Addr).Strs("events", events).Msg("ESL event subscription established")
	return &eslStream{conn: conn}, nil
}

// Close drops pooled connections. Streams are closed by their owners.
func (c *ESLClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		for {
			select {
			case conn := <-c.idle:
				conn.Close()
			default:
				return
			}
		}
	})
	return nil
}

type eslStream struct {
	conn      eslConn
	closeOnce sync.Once
}

func (s *eslStream) Next() (Event, error) {
	for {
		ev, err := s.conn.ReadEvent()
		if err != nil {
			return Event{}, err
		}
		if ev == nil {
			continue
		}
		name := header(ev, "Event-Name")
		if name == "" {
			continue
		}
		unique := header(ev, "Unique-ID")
		callID := header(ev, "Caller-Unique-ID")
		if callID == "" {
			callID = unique
		}
		return Event{Name: name, CallID: callID, UniqueID: unique}, nil
	}
}

func (s *eslStream) Close() error {
	s.closeOnce.Do(s.conn.Close)
	return nil
}

// header looks name up exactly, then case-insensitively, since plain
// events arrive with canonicalized MIME keys.
func header(ev *eventsocket.Event, name string) string {
	if v := ev.Get(name); v != "" {
		return v
	}
	for k, v := range ev.Header {
		if !strings.EqualFold(k, name) {
			continue
		}
		switch val := v.(type) {
		case string:
			return val
		case []string:
			if len(val) > 0 {
				return val[0]
			}
		default:
			return fmt.Sprint(val)
		}
	}
	return ""
}
