package proxy

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"time"
)

// newStreamingClient builds the HTTP client used for forwarded
// generation calls. No overall request timeout: a generation can
// stream for minutes. The wait limit applies to the connect phase and
// to the gap before upstream sends its response headers, which is
// where a dead or overloaded daemon shows up.
func newStreamingClient(wait time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   wait,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: wait,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			// The daemon's NDJSON stream must arrive chunk by chunk;
			// transparent gzip would buffer it.
			DisableCompression: true,
		},
	}
}

// postUpstream sends a JSON POST to the daemon. Client headers are not
// forwarded; the daemon only needs the body.
func (e *Engine) postUpstream(ctx context.Context, client *http.Client, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.upstream+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))
	return client.Do(req)
}
