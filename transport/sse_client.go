package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/mcp-proxy/logging"
	"github.com/felixgeelhaar/mcp-proxy/protocol"
)

// DefaultConnectTimeout bounds the wait for the endpoint event.
const DefaultConnectTimeout = 5 * time.Second

// SSEClient connects to a remote SSE server. Inbound messages arrive on a
// long-lived GET stream; outbound messages are POSTed one per request to
// the endpoint the server announces.
type SSEClient struct {
	url            string
	headers        http.Header
	client         *http.Client
	connectTimeout time.Duration
	logger         logging.Logger

	sendMu sync.Mutex // serializes POSTs

	mu       sync.Mutex
	endpoint string
	cancel   context.CancelFunc

	connectOnce sync.Once
	inbox       chan inbound
	done        chan struct{}
	closeOnce   sync.Once
}

// SSEClientOption configures an SSEClient.
type SSEClientOption func(*SSEClient)

// WithHeaders adds headers sent verbatim on the stream request and on every POST.
func WithHeaders(headers map[string]string) SSEClientOption {
	return func(c *SSEClient) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient sets the HTTP client. It must not impose a total request
// timeout, since the event stream is long-lived.
func WithHTTPClient(client *http.Client) SSEClientOption {
	return func(c *SSEClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithConnectTimeout bounds Connect.
func WithConnectTimeout(d time.Duration) SSEClientOption {
	return func(c *SSEClient) {
		c.connectTimeout = d
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l logging.Logger) SSEClientOption {
	return func(c *SSEClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewSSEClient creates a client for the event stream at rawURL.
func NewSSEClient(rawURL string, opts ...SSEClientOption) *SSEClient {
	c := &SSEClient{
		url:            rawURL,
		headers:        make(http.Header),
		client:         &http.Client{},
		connectTimeout: DefaultConnectTimeout,
		logger:         logging.Nop(),
		inbox:          make(chan inbound),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the stream URL.
func (c *SSEClient) Addr() string {
	return c.url
}

// Endpoint returns the POST URL announced by the server, or "" before
// Connect succeeds.
func (c *SSEClient) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Connect opens the event stream and waits for the endpoint event.
func (c *SSEClient) Connect(ctx context.Context) error {
	err := errors.New("already connected")
	c.connectOnce.Do(func() {
		err = c.connect(ctx)
	})
	return err
}

func (c *SSEClient) connect(ctx context.Context) error {
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	// The stream outlives ctx; Close ends it.
	streamCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.url, nil)
	if err != nil {
		cancel()
		return &Error{Op: "connect", Err: err}
	}
	req.Header = c.headers.Clone()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	type result struct {
		resp *http.Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := c.client.Do(req)
		resCh <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case res := <-resCh:
		if res.err != nil {
			cancel()
			return &Error{Op: "connect", Err: res.err}
		}
		resp = res.resp
	case <-ctx.Done():
		cancel()
		return &Error{Op: "connect", Err: ctx.Err()}
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return &Error{Op: "connect", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	ready := make(chan error, 1)
	go c.readLoop(resp.Body, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return err
		}
		c.logger.Info("sse endpoint received", logging.F("endpoint", c.Endpoint()))
		return nil
	case <-ctx.Done():
		cancel()
		return &Error{Op: "connect", Err: fmt.Errorf("waiting for endpoint: %w", ctx.Err())}
	}
}

// readLoop consumes the event stream. The first endpoint event (or the
// failure to get one) is reported on ready; later failures end the inbound
// sequence.
func (c *SSEClient) readLoop(body io.ReadCloser, ready chan<- error) {
	defer close(c.inbox)
	defer body.Close()

	announced := false
	er := newEventReader(body)

	for {
		ev, err := er.next()
		if err != nil {
			if !announced {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				ready <- &Error{Op: "connect", Err: err}
				return
			}
			if errors.Is(err, io.EOF) {
				c.deliver(inbound{err: io.EOF})
				return
			}
			c.deliver(inbound{err: &Error{Op: "read", Err: err}})
			return
		}

		switch ev.name {
		case eventEndpoint:
			endpoint, err := c.resolveEndpoint(ev.data)
			if err != nil {
				if !announced {
					ready <- err
					return
				}
				c.logger.Warn("ignoring endpoint event", logging.Err(err))
				continue
			}
			c.mu.Lock()
			c.endpoint = endpoint
			c.mu.Unlock()
			if !announced {
				announced = true
				ready <- nil
			}
		case eventMessage, "":
			msg, err := protocol.DecodeMessage([]byte(ev.data))
			if err != nil {
				c.deliver(inbound{err: &FramingError{Frame: ev.data, Err: err}})
				return
			}
			if !c.deliver(inbound{msg: msg}) {
				return
			}
		default:
			c.logger.Debug("ignoring sse event", logging.F("event", ev.name))
		}
	}
}

func (c *SSEClient) deliver(in inbound) bool {
	select {
	case c.inbox <- in:
		return true
	case <-c.done:
		return false
	}
}

// resolveEndpoint resolves the announced endpoint against the stream URL and
// rejects endpoints on another origin.
func (c *SSEClient) resolveEndpoint(data string) (string, error) {
	base, err := url.Parse(c.url)
	if err != nil {
		return "", &Error{Op: "connect", Err: err}
	}
	ref, err := url.Parse(strings.TrimSpace(data))
	if err != nil {
		return "", &Error{Op: "connect", Err: fmt.Errorf("invalid endpoint %q: %w", data, err)}
	}
	endpoint := base.ResolveReference(ref)
	if endpoint.Scheme != base.Scheme || endpoint.Host != base.Host {
		return "", &Error{Op: "connect", Err: fmt.Errorf("endpoint origin %s://%s does not match %s://%s",
			endpoint.Scheme, endpoint.Host, base.Scheme, base.Host)}
	}
	return endpoint.String(), nil
}

// Send POSTs one message to the announced endpoint.
func (c *SSEClient) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return &Error{Op: "marshal", Err: err}
	}

	endpoint := c.Endpoint()
	if endpoint == "" {
		return &Error{Op: "post", Err: errors.New("not connected")}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return &Error{Op: "post", Err: err}
	}
	req.Header = c.headers.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Op: "post", Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *SSEClient) Recv(ctx context.Context) (*protocol.Message, error) {
	return recvFrom(ctx, c.inbox, c.done)
}

// Close ends the event stream. Requests already POSTed are not affected.
func (c *SSEClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	return nil
}
