package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/c0deZ3R0/go-state-sync/bus"
	kiterr "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/logging"
)

// Client opens event streams against a Server. It implements bus.Source,
// so a remote window runs the same sync client as a local one.
type Client struct {
	URL      string
	WindowID string
	Client   *http.Client
	Logger   *logging.Logger
}

var _ bus.Source = (*Client)(nil)

// NewClient creates a new SSE client for the stream at url.
func NewClient(url, windowID string, httpClient *http.Client, logger *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		URL:      url,
		WindowID: windowID,
		Client:   httpClient,
		Logger:   logging.OrDefault(logger).WithComponent("sse-client"),
	}
}

// Open connects and returns once the server has confirmed the
// subscription. The stream ends with a transport error when the
// connection drops, and with no error after Unsubscribe.
func (c *Client) Open(ctx context.Context) (bus.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		cancel()
		return nil, kiterr.E(kiterr.Op("sse.Open"), kiterr.Component("transport/sse"), kiterr.KindInvalid, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.WindowID != "" {
		req.Header.Set("X-Window-Id", c.WindowID)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		cancel()
		return nil, kiterr.E(kiterr.Op("sse.Open"), kiterr.Component("transport/sse"), kiterr.NewTransportError(kiterr.OpSubscribe, err))
	}
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, kiterr.E(kiterr.Op("sse.Open"), kiterr.Component("transport/sse"),
			kiterr.NewTransportError(kiterr.OpSubscribe, fmt.Errorf("unexpected response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))))
	}

	s := &stream{
		events: make(chan bus.Event),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: c.Logger,
	}
	go s.read(resp.Body)
	return s, nil
}

type stream struct {
	events chan bus.Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	logger *logging.Logger

	mu     sync.Mutex
	once   sync.Once
	closed bool
	err    error
}

func (s *stream) Events() <-chan bus.Event { return s.events }
func (s *stream) Done() <-chan struct{}    { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe closes the connection. It is idempotent.
func (s *stream) Unsubscribe() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.end(nil)
}

func (s *stream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		if s.closed {
			err = nil
		}
		s.err = err
		s.mu.Unlock()
		s.cancel()
		close(s.done)
	})
}

// read parses frames until the body ends; it owns s.events.
func (s *stream) read(body io.ReadCloser) {
	defer close(s.events)
	defer body.Close()

	var (
		name string
		data bytes.Buffer
	)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 4<<10), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() > 0 && (name == "" || name == bus.EventName) {
				ev, err := bus.DecodeEvent(data.Bytes())
				if err != nil {
					s.logger.Warn("dropping malformed event", "error", err)
				} else {
					select {
					case s.events <- ev:
					case <-s.done:
						return
					}
				}
			}
			name = ""
			data.Reset()
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("event:")):
			name = strings.TrimSpace(string(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		s.end(nil)
		return
	}
	s.end(kiterr.E(kiterr.Op("sse.read"), kiterr.Component("transport/sse"),
		kiterr.NewTransportError(kiterr.OpSubscribe, fmt.Errorf("stream dropped: %w", err))))
}
