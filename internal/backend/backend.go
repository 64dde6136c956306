// Package backend owns the outbound HTTP connections the gateway
// holds open to upstream MCP providers, one per (session, provider)
// pair, and the retry/timeout policy wrapped around them.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcphub/gateway/internal/gatewayerr"
	"github.com/mcphub/gateway/internal/retry"
)

// ErrHandleClosed is returned by Post once Close has been called.
var ErrHandleClosed = errors.New("backend: handle closed")

const sseContentTypePrefix = "text/event-stream"

// Handle owns one HTTP client bound to a single base URL and a
// mutable set of default headers applied to every outgoing request.
type Handle struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
	retries int
	base    time.Duration

	mu      sync.Mutex
	headers http.Header
	closed  bool
}

// NewHandle builds a Handle for baseURL. headers is copied; later
// calls to UpdateHeaders do not affect the caller's copy.
func NewHandle(baseURL string, headers http.Header, timeout time.Duration, retries int, backoffBase time.Duration) *Handle {
	return &Handle{
		client:  &http.Client{},
		baseURL: baseURL,
		timeout: timeout,
		retries: retries,
		base:    backoffBase,
		headers: cloneHeader(headers),
	}
}

// UpdateHeaders merges add into the handle's default headers. It takes
// effect on every subsequent Post call.
func (h *Handle) UpdateHeaders(add http.Header) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, vs := range add {
		for _, v := range vs {
			h.headers.Set(k, v)
		}
	}
}

// Close marks the handle closed. Idempotent; further Post calls fail
// with ErrHandleClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.client.CloseIdleConnections()
	return nil
}

// Post sends body as JSON to the handle's base URL and returns the
// upstream's decoded JSON-RPC payload as a raw map, plus any
// persisted response headers the caller asked to capture.
//
// Network failures (connection reset, DNS failure, and other
// non-HTTP-status transport errors) are retried with exponential
// backoff; a non-2xx HTTP response is never retried.
func (h *Handle) Post(ctx context.Context, body any, timeout time.Duration, capture []string) (map[string]any, http.Header, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHandleClosed
	}
	reqHeaders := cloneHeader(h.headers)
	h.mu.Unlock()

	if timeout <= 0 {
		timeout = h.timeout
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, gatewayerr.Wrap(gatewayerr.KindInvalidRequest, "encoding request body", err)
	}

	var (
		respBody    []byte
		respHeaders http.Header
		httpStatus  int
	)

	op := func(opCtx context.Context) error {
		reqCtx, cancel := context.WithTimeout(opCtx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.baseURL, bytes.NewReader(payload))
		if err != nil {
			return gatewayerr.Wrap(gatewayerr.KindUpstreamTransport, "building upstream request", err)
		}
		req.Header = cloneHeader(reqHeaders)
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
				return gatewayerr.Wrap(gatewayerr.KindUpstreamTimeout, "upstream request timed out", err)
			}
			return gatewayerr.Wrap(gatewayerr.KindUpstreamTransport, "sending upstream request", err)
		}
		defer resp.Body.Close()

		httpStatus = resp.StatusCode
		respHeaders = resp.Header.Clone()

		buf := &bytes.Buffer{}
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return gatewayerr.Wrap(gatewayerr.KindUpstreamTransport, "reading upstream response", err)
		}
		respBody = buf.Bytes()
		return nil
	}

	if err := retry.Do(ctx, h.retries, h.base, isTransient, op); err != nil {
		return nil, nil, err
	}

	if httpStatus < 200 || httpStatus >= 300 {
		detail := respBody
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return nil, nil, gatewayerr.New(gatewayerr.KindUpstreamHTTPError,
			fmt.Sprintf("upstream returned HTTP %d", httpStatus)).WithDetail(map[string]any{"detail": string(detail)})
	}

	decoded, err := decodeBody(respHeaders, respBody)
	if err != nil {
		return nil, nil, err
	}

	return decoded, capturedHeaders(respHeaders, capture), nil
}

func isTransient(err error) bool {
	var ge *gatewayerr.Error
	if ge2, ok := gatewayerr.AsError(err); ok {
		ge = ge2
	}
	if ge == nil {
		return false
	}
	return ge.Kind == gatewayerr.KindUpstreamTransport
}

// decodeBody implements the single-event SSE parsing rule: a body is
// SSE if content-type starts with text/event-stream, in which case
// only the first "data:" line is honored; anything else is decoded
// as a plain JSON object.
func decodeBody(headers http.Header, body []byte) (map[string]any, error) {
	contentType := headers.Get("Content-Type")
	if strings.HasPrefix(contentType, sseContentTypePrefix) {
		data, ok := firstSSEDataLine(body)
		if !ok {
			return nil, gatewayerr.New(gatewayerr.KindUpstreamBadBody, "SSE body had no data: line")
		}
		body = []byte(data)
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindUpstreamBadBody, "upstream body is not valid JSON", err)
	}

	decoded, ok := payload.(map[string]any)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindProtocolError, "decoded payload is not an object")
	}
	return decoded, nil
}

func firstSSEDataLine(body []byte) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
		}
	}
	return "", false
}

func capturedHeaders(respHeaders http.Header, names []string) http.Header {
	captured := make(http.Header)
	for _, name := range names {
		if v := respHeaders.Get(name); v != "" {
			captured.Set(name, v)
		}
	}
	return captured
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}
