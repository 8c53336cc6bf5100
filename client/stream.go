package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/models"
	"go.uber.org/zap"
)

// State is the health of the live availability stream.
type State string

const (
	// StateConnected means events are flowing.
	StateConnected State = "connected"
	// StateReconnecting means the stream is down and being re-established.
	StateReconnecting State = "reconnecting"
	// StateDegraded means several reconnects in a row failed. Availability
	// shown to the user may be stale and should be polled.
	StateDegraded State = "degraded"
	// StateClosed means Run has returned.
	StateClosed State = "closed"
)

var errLagged = errors.New("stream lagged")

// StreamOptions configures a Stream.
type StreamOptions struct {
	// OnEvent receives every inventory event in arrival order. It runs on
	// the stream goroutine and must not block for long.
	OnEvent func(models.Event)
	// OnReconnect runs after every successful (re)connection. The channel
	// never replays missed events, so it should re-fetch the product list.
	OnReconnect func(ctx context.Context) error

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// DegradedAfter is the number of consecutive failed attempts after
	// which the state becomes degraded.
	DegradedAfter int
	// IdleTimeout drops a connection that delivered nothing, not even a
	// heartbeat, for this long.
	IdleTimeout time.Duration
}

// Stream keeps a subscription to the store room alive.
type Stream struct {
	client *Client
	opts   StreamOptions

	mu      sync.RWMutex
	state   State
	changes chan State
}

// NewStream prepares a stream; call Run to start it.
func (c *Client) NewStream(opts StreamOptions) *Stream {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = 3
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 45 * time.Second
	}
	return &Stream{
		client:  c,
		opts:    opts,
		state:   StateReconnecting,
		changes: make(chan State, 16),
	}
}

// State returns the current connection state.
func (s *Stream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StateChanges reports state transitions. Transitions are dropped when the
// reader falls behind; State always has the latest value.
func (s *Stream) StateChanges() <-chan State { return s.changes }

func (s *Stream) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	select {
	case s.changes <- st:
	default:
	}
}

// Run connects and reconnects until ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	defer func() {
		s.setState(StateClosed)
		close(s.changes)
	}()

	failures := 0
	for {
		connected, err := s.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}
		if errors.Is(err, errLagged) {
			s.client.logger.Warn("Availability stream lagged, rejoining")
			s.setState(StateReconnecting)
			continue
		}

		failures++
		if failures >= s.opts.DegradedAfter {
			s.setState(StateDegraded)
		} else {
			s.setState(StateReconnecting)
		}
		wait := s.backoff(failures)
		s.client.logger.Debug("Availability stream down",
			zap.Error(err),
			zap.Int("failures", failures),
			zap.Duration("retry_in", wait),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *Stream) backoff(failures int) time.Duration {
	d := s.opts.InitialBackoff
	for i := 1; i < failures && d < s.opts.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.opts.MaxBackoff {
		d = s.opts.MaxBackoff
	}
	// Spread reconnects of many clients after a server restart.
	return d/2 + rand.N(d/2+1)
}

// connect runs one connection. It reports whether the server accepted the
// subscription before the connection ended.
func (s *Stream) connect(ctx context.Context) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	endpoint := s.client.storePath("/stream")
	if s.client.sessionID != "" {
		endpoint += "?session=" + url.QueryEscape(s.client.sessionID)
	}
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	s.client.identify(req)

	// The shared client has a whole-request timeout; streams must not.
	httpClient := *s.client.http
	httpClient.Timeout = 0
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}

	idle := time.AfterFunc(s.opts.IdleTimeout, cancel)
	defer idle.Stop()

	connected := false
	var event, data strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		idle.Reset(s.opts.IdleTimeout)
		line := scanner.Text()

		switch {
		case line == "":
			if event.Len() == 0 && data.Len() == 0 {
				continue
			}
			name, payload := event.String(), data.String()
			event.Reset()
			data.Reset()
			switch name {
			case "ready":
				connected = true
				s.setState(StateConnected)
				if s.opts.OnReconnect != nil {
					if err := s.opts.OnReconnect(ctx); err != nil {
						s.client.logger.Warn("Stream reconnect hook failed", zap.Error(err))
					}
				}
			case "lagged":
				return connected, errLagged
			default:
				s.dispatch(payload)
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event:"):
			event.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return connected, err
	}
	return connected, errors.New("stream closed by server")
}

func (s *Stream) dispatch(payload string) {
	var ev models.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.client.logger.Warn("Malformed stream event", zap.Error(err))
		return
	}
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}
