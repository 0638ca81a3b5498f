// Package gateway holds the HTTP plumbing shared by payment backend adapters.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 1 << 20

// NewHTTPClient returns a client whose requests are traced.
func NewHTTPClient(timeout time.Duration, tp trace.TracerProvider) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithTracerProvider(tp),
		),
	}
}

// Response is a raw backend reply.
type Response struct {
	Status int
	Body   []byte
}

// PostJSON sends body to url and reads at most 1 MiB of the reply.
func PostJSON(ctx context.Context, client *http.Client, url string, body []byte, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return &Response{Status: resp.StatusCode, Body: b}, nil
}

// Amount returns the whole-unit integer the backends expect.
func Amount(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// Int reads a JSON number or a numeric string.
func Int(d *jx.Decoder) (int64, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return 0, err
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return 0, errors.Wrapf(err, "parse %q", s)
		}
		return v.IntPart(), nil
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return 0, err
		}
		return n.Int64()
	default:
		return 0, d.Skip()
	}
}

// Text reads a JSON string or number as text.
func Text(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", d.Skip()
	}
}
