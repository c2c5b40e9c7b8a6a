// Package push subscribes to the job server's websocket event stream.
//
// Push delivery is an optimization: a subscription may end at any time
// (connection loss after the reconnect budget is spent) and callers are
// expected to keep polling regardless.
package push

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/airstrike/airstrike/internal/config"
	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/events"
	"github.com/airstrike/airstrike/internal/http"
	"github.com/airstrike/airstrike/internal/logging"
)

// Subscription is a live push subscription for one job.
type Subscription interface {
	// Close detaches the subscription. It is idempotent and returns once
	// the handler will no longer be called.
	Close() error
	// Done is closed when the subscription ends for any reason.
	Done() <-chan struct{}
}

// Channel dials the event stream.
type Channel struct {
	url       string
	header    nethttp.Header
	dialer    *websocket.Dialer
	reconnect int
	logger    *logging.Logger
}

// EventsURL derives the websocket URL from the configuration: events_url if
// set, otherwise api_url with the scheme rewritten and /api/jobs/events appended.
func EventsURL(cfg *config.Config) (string, error) {
	raw := cfg.EventsURL
	if raw == "" {
		raw = strings.TrimSuffix(cfg.APIBaseURL, "/") + "/api/jobs/events"
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid events URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid events URL %q: unsupported scheme", raw)
	}
	return u.String(), nil
}

// NewChannel creates a push channel from the configuration.
func NewChannel(cfg *config.Config, logger *logging.Logger) (*Channel, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Component("push")

	wsURL, err := EventsURL(cfg)
	if err != nil {
		return nil, err
	}

	proxy, err := http.ProxyFunc(cfg, logger)
	if err != nil {
		return nil, err
	}

	header := nethttp.Header{}
	if key, _ := cfg.ResolveAPIKeySource(""); key != "" {
		header.Set("Authorization", "Token "+key)
	}

	return &Channel{
		url:    wsURL,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            proxy,
			HandshakeTimeout: constants.PushHandshakeTimeout,
		},
		reconnect: cfg.PushReconnectAttempts,
		logger:    logger,
	}, nil
}

// URL returns the websocket URL the channel dials.
func (c *Channel) URL() string {
	return c.url
}

// Subscribe connects to the event stream and calls handle, from a single
// goroutine and in delivery order, for every event that belongs to jobID.
// handle must not call Close on the returned subscription.
func (c *Channel) Subscribe(ctx context.Context, jobID string, handle func(events.PushEvent)) (Subscription, error) {
	conn, err := c.dial(ctx, jobID)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		channel: c,
		jobID:   jobID,
		handle:  handle,
		cancel:  cancel,
		done:    make(chan struct{}),
		conn:    conn,
		logger:  c.logger.With().Str("job_id", jobID).Logger(),
	}

	go s.run(subCtx)

	return s, nil
}

func (c *Channel) dial(ctx context.Context, jobID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("jobId", jobID)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), c.header)
	if err != nil {
		if resp != nil {
			return nil, &handshakeError{status: resp.StatusCode, err: err}
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	return conn, nil
}

// handshakeError carries the HTTP status of a refused upgrade so retry
// classification can tell a missing endpoint from a flaky one.
type handshakeError struct {
	status int
	err    error
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("event stream handshake failed (status %d): %v", e.status, e.err)
}

func (e *handshakeError) Unwrap() error   { return e.err }
func (e *handshakeError) HTTPStatus() int { return e.status }

type subscription struct {
	channel *Channel
	jobID   string
	handle  func(events.PushEvent)
	cancel  context.CancelFunc
	done    chan struct{}
	logger  zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	once   sync.Once
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			// best effort: tell the server we are leaving, then unblock the reader
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(constants.PushWriteTimeout))
			conn.Close()
		}
	})
	<-s.done
	return nil
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		err := s.readLoop(ctx, conn)
		conn.Close()

		if s.isClosed() || ctx.Err() != nil {
			return
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.logger.Debug().Msg("Event stream closed by server")
			return
		}

		s.logger.Debug().Err(err).Msg("Event stream dropped")

		next, err := s.reconnect(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Debug().Err(err).Msg("Giving up on event stream; relying on polling")
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			next.Close()
			return
		}
		s.conn = next
		s.mu.Unlock()
		s.logger.Debug().Msg("Event stream reconnected")
	}
}

func (s *subscription) reconnect(ctx context.Context) (*websocket.Conn, error) {
	if s.channel.reconnect <= 0 {
		return nil, errors.New("reconnection disabled")
	}

	var conn *websocket.Conn
	cfg := http.Config{
		MaxRetries:   s.channel.reconnect,
		InitialDelay: constants.PushReconnectInitialDelay,
		MaxDelay:     constants.PushReconnectMaxDelay,
		OnRetry: func(attempt int, err error, errType http.ErrorType) {
			s.logger.Debug().Err(err).Int("attempt", attempt).Str("error_type", http.ErrorTypeName(errType)).
				Msg("Event stream reconnect failed, retrying")
		},
	}

	// First attempt also backs off so a flapping server is not hammered
	wait := http.CalculateBackoff(1, cfg.InitialDelay, cfg.MaxDelay)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}

	err := http.ExecuteWithRetry(ctx, cfg, func() error {
		c, err := s.channel.dial(ctx, s.jobID)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

func (s *subscription) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(constants.PushReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(constants.PushReadTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go keepalive(conn, pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(constants.PushReadTimeout))

		ev, err := events.DecodePush(raw)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Ignoring undecodable push message")
			continue
		}
		if ev.JobID != s.jobID {
			continue
		}
		if ctx.Err() != nil || s.isClosed() {
			return ctx.Err()
		}
		s.handle(ev)
	}
}

func keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(constants.PushPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(constants.PushWriteTimeout)); err != nil {
				return
			}
		}
	}
}
