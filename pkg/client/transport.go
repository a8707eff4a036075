package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrTransport is returned when the transport got no usable reply
var ErrTransport = errors.New("client: transport failed")

// maxReplySize caps replies read by HTTPTransport
const maxReplySize = 32 << 20

// Transport carries one encoded request to the server and returns the
// encoded reply
type Transport interface {
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, request []byte) ([]byte, error)

// RoundTrip implements Transport
func (f TransportFunc) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

// Processor is the server side of an in-process transport, e.g. *rpc.Server
type Processor interface {
	ProcessRequest(ctx context.Context, data []byte) ([]byte, error)
}

// NewLocalTransport calls p directly, without a network in between
func NewLocalTransport(p Processor) Transport {
	return TransportFunc(p.ProcessRequest)
}

// HTTPTransport posts each message to the server's /rpc endpoint
type HTTPTransport struct {
	URL        string
	HTTPClient *http.Client
}

// NewHTTPTransport creates a transport posting to url
func NewHTTPTransport(url string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		URL:        url,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// RoundTrip implements Transport
func (t *HTTPTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	httpClient := t.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: server answered %s", ErrTransport, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read reply: %v", ErrTransport, err)
	}
	return body, nil
}
