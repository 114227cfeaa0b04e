package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"saga-checkout/internal/domain"
)

type httpGateway struct {
	baseURL string
	auth    string
	client  *http.Client
}

// NewHTTPGateway returns a client for a Toss-style REST API authenticated
// with the secret key as the Basic auth user.
func NewHTTPGateway(baseURL, secretKey string, timeout time.Duration) Gateway {
	return &httpGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(secretKey+":")),
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *httpGateway) Confirm(ctx context.Context, req ConfirmRequest) (*Response, error) {
	return g.do(ctx, http.MethodPost, "/v1/payments/confirm", req)
}

func (g *httpGateway) Cancel(ctx context.Context, paymentKey, reason string) (*Response, error) {
	return g.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentKey)+"/cancel",
		map[string]string{"cancelReason": reason})
}

func (g *httpGateway) Get(ctx context.Context, paymentKey string) (*Response, error) {
	return g.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentKey), nil)
}

func (g *httpGateway) do(ctx context.Context, method, path string, body any) (*Response, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode pg request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build pg request: %w", err)
	}
	req.Header.Set("Authorization", g.auth)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, domain.ErrPGUnavailable.WithCause(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.ErrPGUnavailable.WithCause(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, domain.ErrPGUnavailable.WithCause(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode >= 400:
		var f Failure
		_ = json.Unmarshal(raw, &f)
		if f.Message == "" {
			f.Message = http.StatusText(resp.StatusCode)
		}
		return nil, domain.NewError(domain.CodePGRejected, "[%s] %s", f.Code, f.Message)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, domain.NewError(domain.CodePGRejected, "undecodable pg response").WithCause(err)
	}
	return &out, nil
}
