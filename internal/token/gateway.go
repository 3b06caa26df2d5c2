// Package token obtains and refreshes signed playback URLs.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	maxTokenBodyBytes = 64 * 1024
	// error bodies are relayed to clients, so they get more room than tokens
	maxErrorBodyBytes = 1 << 20
)

var (
	// ErrEmptyToken indicates the upstream answered 2xx without a usable URL
	ErrEmptyToken = errors.New("token response did not contain a url")

	// ErrBodyTooLarge indicates an upstream body over the size limit.
	// Oversized bodies are rejected rather than cut short.
	ErrBodyTooLarge = errors.New("upstream response body too large")
)

// readBody reads a response body sized for status
func readBody(resp *http.Response) ([]byte, error) {
	limit := int64(maxTokenBodyBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		limit = maxErrorBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// SignedURL is a time-limited playback URL
type SignedURL struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// GatewayError reports a failed token exchange.
// Network is set for transport failures; otherwise Status and Body carry the upstream answer verbatim.
type GatewayError struct {
	Status  int
	Body    string
	Network bool
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Network {
		return fmt.Sprintf("token request failed: network error: %v", e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("token request failed: %v", e.Err)
	}
	return fmt.Sprintf("token request failed: %d %s", e.Status, http.StatusText(e.Status))
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsGatewayError checks if err is a token exchange failure
func IsGatewayError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr)
}

// Gateway exchanges a canonical stream URL for a signed one with a single POST.
// It holds no state between calls and never retries.
type Gateway struct {
	endpoint string
	referer  string
	client   *http.Client
	now      func() time.Time
}

// GatewayOption configures a Gateway
type GatewayOption func(*Gateway)

// WithReferer sets the Referer header sent with every exchange
func WithReferer(referer string) GatewayOption {
	return func(g *Gateway) { g.referer = referer }
}

// WithClock overrides the clock used to stamp IssuedAt
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a gateway posting to endpoint. A nil client uses http.DefaultClient.
func NewGateway(endpoint string, client *http.Client, opts ...GatewayOption) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	g := &Gateway{
		endpoint: endpoint,
		client:   client,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type exchangeRequest struct {
	URL string `json:"url"`
}

// Exchange posts canonicalURL and returns the signed URL from the response.
func (g *Gateway) Exchange(ctx context.Context, canonicalURL string) (SignedURL, error) {
	payload, err := json.Marshal(exchangeRequest{URL: canonicalURL})
	if err != nil {
		return SignedURL{}, fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return SignedURL{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.referer != "" {
		req.Header.Set("Referer", g.referer)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return SignedURL{}, &GatewayError{Network: true, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readBody(resp)
	if errors.Is(err, ErrBodyTooLarge) {
		return SignedURL{}, &GatewayError{Status: resp.StatusCode, Err: err}
	}
	if err != nil {
		return SignedURL{}, &GatewayError{Network: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SignedURL{}, &GatewayError{Status: resp.StatusCode, Body: string(body)}
	}

	value := ExtractURL(body)
	if value == "" {
		return SignedURL{}, &GatewayError{Status: resp.StatusCode, Body: string(body), Err: ErrEmptyToken}
	}

	return SignedURL{Value: value, IssuedAt: g.now()}, nil
}

// ExtractURL reads a signed URL from a token response body.
// The body may be a bare URL, a quote-wrapped URL, a JSON string, or a JSON
// object with a "url" (or legacy "file") field. It returns "" when none is found.
func ExtractURL(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	if json.Valid(trimmed) {
		var decoded interface{}
		if err := json.Unmarshal(trimmed, &decoded); err == nil {
			switch v := decoded.(type) {
			case string:
				return strings.TrimSpace(v)
			case map[string]interface{}:
				for _, key := range []string{"url", "file"} {
					if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
						return strings.TrimSpace(s)
					}
				}
				return ""
			default:
				return ""
			}
		}
	}

	text := string(trimmed)
	text = strings.TrimPrefix(text, `"`)
	text = strings.TrimSuffix(text, `"`)
	return strings.TrimSpace(text)
}
