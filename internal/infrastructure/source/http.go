// ABOUTME: Upstream connection to a digitiser publishing framed station samples
// ABOUTME: Dials with bounded connect and header timeouts and checks the media type
package source

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"
)

// ContentType is the media type of a framed sample stream.
const ContentType = "application/x-station-frames"

// HTTPConfig describes one upstream sample feed. ReadTimeout bounds the wait
// for response headers only; the body is a stream without an end.
type HTTPConfig struct {
	URL            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Headers        map[string]string
}

// HTTPSource opens the sample stream of a single station. Every Connect
// starts a fresh request; the station's writer reconnects through it.
type HTTPSource struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTPSource {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	return &HTTPSource{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				DisableCompression:    true,
				ResponseHeaderTimeout: cfg.ReadTimeout,
			},
		},
	}
}

func (h *HTTPSource) URL() string {
	return h.cfg.URL
}

// Connect returns the body of the upstream feed. The stream ends when ctx is
// cancelled, the upstream closes it, or the caller closes the reader. A
// response declaring a media type other than ContentType is refused.
func (h *HTTPSource) Connect(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", h.cfg.URL, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != ContentType {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected content type %q", ct)
		}
	}

	return resp.Body, nil
}
