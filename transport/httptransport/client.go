package httptransport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/gateway"
	"github.com/c0deZ3R0/go-state-sync/logging"
)

// Client sends gateway commands to a Handler. It implements
// gateway.Invoker; wrap it with gateway.NewCommandClient for the typed API.
type Client struct {
	baseURL  string
	sourceID string
	http     *http.Client
	options  *ClientOptions
	logger   *logging.Logger
}

var _ gateway.Invoker = (*Client)(nil)

// NewClient returns a client for the server at baseURL issuing commands as
// sourceID. A nil httpClient uses a clone of the default transport.
func NewClient(baseURL, sourceID string, httpClient *http.Client, logger *logging.Logger, opts ...ClientOption) *Client {
	options := applyClientOptions(opts...)
	if err := options.Validate(); err != nil {
		options = DefaultClientOptions()
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		sourceID: sourceID,
		http:     httpClient,
		options:  options,
		logger:   logging.OrDefault(logger).WithComponent("http-client"),
	}
}

// Gateway returns the typed gateway client over c.
func (c *Client) Gateway() *gateway.CommandClient {
	return gateway.NewCommandClient(c)
}

func transportErr(err error) error {
	return syncErrors.E(syncErrors.OpInvoke, syncErrors.NewTransportError(syncErrors.OpInvoke, err))
}

// Invoke posts args to /invoke/{command} and returns the raw result.
// Connection failures and unexpected statuses are transport errors; error
// results are returned as-is for the caller to check.
func (c *Client) Invoke(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, error) {
	if c.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
	}

	body, compressed, err := c.encodeBody(args)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpInvoke, syncErrors.KindInternal, err)
	}

	endpoint := c.baseURL + InvokePath + "/" + url.PathEscape(command)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, transportErr(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(WindowIDHeader, c.sourceID)
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.options.MaxResponseSize+1))
	if err != nil {
		return nil, transportErr(err)
	}
	if int64(len(raw)) > c.options.MaxResponseSize {
		return nil, transportErr(fmt.Errorf("response exceeds %d bytes", c.options.MaxResponseSize))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case isErrorResult(raw):
		// 404 for unknown commands, 4xx for rejected bodies.
		return raw, nil
	default:
		c.logger.Warn("unexpected response status",
			"command", command,
			"status", resp.StatusCode,
		)
		return nil, transportErr(fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint))
	}
}

func (c *Client) encodeBody(args json.RawMessage) ([]byte, bool, error) {
	if len(args) == 0 {
		return []byte("{}"), false, nil
	}
	if !c.options.CompressionEnabled || len(args) < c.options.GzipMinBytes {
		return args, false, nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(args); err != nil {
		return nil, false, err
	}
	if err := gz.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

func isErrorResult(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe[gateway.ErrorField]
	return ok
}
