package connection

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/elnormous/contenttype"
)

// Prober performs one active health check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

var jsonMediaType = contenttype.NewMediaType("application/json")

// HTTPProber checks a health endpoint. A 2xx status is required. With
// ExpectJSON the response must also be JSON, which catches captive portals
// that answer every request with an HTML login page.
type HTTPProber struct {
	URL        string
	Client     *http.Client
	ExpectJSON bool
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	if p.ExpectJSON {
		req.Header.Set("Accept", "application/json")
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	if p.ExpectJSON {
		mt := contenttype.NewMediaType(resp.Header.Get("Content-Type"))
		if !mt.Matches(jsonMediaType) {
			return fmt.Errorf("health check returned unexpected content type %q", resp.Header.Get("Content-Type"))
		}
	}
	return nil
}
