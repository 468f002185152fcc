package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/donmikel/chunkrelay/applications/protocol"
)

const (
	// DefaultRequestTimeout bounds one chunk or finalize request.
	DefaultRequestTimeout = 120 * time.Second

	maxResponseSize = 1 << 20
)

// Sender delivers one request of a transfer.
type Sender interface {
	Send(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// RequestError describes one failed request. StatusCode is zero when no
// response arrived.
type RequestError struct {
	Kind       protocol.Kind
	Index      int
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("%s %d: %v", e.Kind, e.Index, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s %d: status %d: %s", e.Kind, e.Index, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s %d: status %d", e.Kind, e.Index, e.StatusCode)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Temporary reports whether another attempt may succeed: transport failures,
// server faults and success statuses carrying a failed outcome. Any other
// status is the caller's fault and is not retried.
func (e *RequestError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	case e.StatusCode >= 200 && e.StatusCode < 300:
		return true
	default:
		return false
	}
}

// Client posts requests to the receiver endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	metrics    Metrics
}

// NewClient returns a Client. A nil httpClient gets one with
// DefaultRequestTimeout, a nil metrics discards counters.
func NewClient(endpoint string, httpClient *http.Client, metrics Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		metrics:    metrics,
	}
}

func (c *Client) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var body bytes.Buffer
	contentType, err := protocol.Encode(&body, req)
	if err != nil {
		return protocol.Response{}, &RequestError{Kind: req.Kind, Index: req.Index, Err: err}
	}
	sent := int64(body.Len())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("can't build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	c.metrics.AddUploaded(sent)
	if err != nil {
		return protocol.Response{}, &RequestError{Kind: req.Kind, Index: req.Index, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.metrics.AddDownloaded(int64(len(data)))
	if err != nil {
		return protocol.Response{}, &RequestError{Kind: req.Kind, Index: req.Index, Err: fmt.Errorf("can't read response: %w", err)}
	}

	var out protocol.Response
	jsonErr := json.Unmarshal(data, &out)

	fail := &RequestError{Kind: req.Kind, Index: req.Index, StatusCode: resp.StatusCode, Message: message(out, data)}
	switch {
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return protocol.Response{}, fail
	case jsonErr != nil:
		fail.Message = "unparseable response"
		fail.Err = jsonErr
		return protocol.Response{}, fail
	case !out.Success:
		return protocol.Response{}, fail
	}

	return out, nil
}

func message(r protocol.Response, raw []byte) string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Message != "":
		return r.Message
	}

	const maxRaw = 200
	if len(raw) > maxRaw {
		raw = raw[:maxRaw]
	}
	return string(bytes.TrimSpace(raw))
}
