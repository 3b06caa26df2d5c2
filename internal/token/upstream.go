package token

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// UpstreamResponse is the signer's answer, relayed verbatim to the caller
type UpstreamResponse struct {
	Status int
	Body   []byte
}

// Upstream forwards tokenize requests to the real signer with the headers it requires.
// Transport failures and 5xx answers count against the circuit breaker.
type Upstream struct {
	url     string
	referer string
	origin  string
	client  *http.Client
	breaker *CircuitBreaker
}

// NewUpstream creates an upstream client. A nil breaker disables failure shedding.
func NewUpstream(url, referer, origin string, timeout time.Duration, breaker *CircuitBreaker) *Upstream {
	return &Upstream{
		url:     url,
		referer: referer,
		origin:  origin,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type upstreamStatusError struct {
	status int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

// Tokenize posts body as JSON to the signer.
// A non-nil error means no upstream answer is available (transport failure or open breaker).
func (u *Upstream) Tokenize(ctx context.Context, body []byte) (*UpstreamResponse, error) {
	var resp *UpstreamResponse
	call := func() error {
		r, err := u.do(ctx, body)
		if err != nil {
			return err
		}
		resp = r
		if r.Status >= http.StatusInternalServerError {
			return &upstreamStatusError{status: r.Status}
		}
		return nil
	}

	var err error
	if u.breaker != nil {
		err = u.breaker.Call(call)
	} else {
		err = call()
	}

	// 5xx is still a real answer for the caller
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

func (u *Upstream) do(ctx context.Context, body []byte) (*UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.referer != "" {
		req.Header.Set("Referer", u.referer)
	}
	if u.origin != "" {
		req.Header.Set("Origin", u.origin)
	}

	res, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	data, err := readBody(res)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	return &UpstreamResponse{Status: res.StatusCode, Body: data}, nil
}

// Breaker returns the breaker guarding the upstream, or nil
func (u *Upstream) Breaker() *CircuitBreaker {
	return u.breaker
}
