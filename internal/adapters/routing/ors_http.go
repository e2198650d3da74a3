package routing

import (
	"bytes"
	"context"
	"drone-delivery-service/internal/domain"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	geoJSONAccept = "application/geo+json, application/json;q=0.9"
	maxBackoff    = 5 * time.Second
	errBodyLimit  = 512
)

type httpStatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("ors status %d: %s", e.Code, e.Body)
}

// directionsCall is one directions lookup. The payload is encoded once and
// replayed on every attempt.
type directionsCall struct {
	client   *http.Client
	apiKey   string
	endpoint string
	payload  []byte
}

func (o *ORSRouteProvider) directions(origin, destination domain.Coordinates) (*directionsCall, error) {
	payload, err := json.Marshal(directionsRequest{
		Coordinates: [][]float64{origin.CoordsToList(), destination.CoordsToList()},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal directions request: %w", err)
	}

	return &directionsCall{
		client:   o.session,
		apiKey:   o.apiKey,
		endpoint: strings.TrimRight(o.baseURL, "/") + "/v2/directions/" + o.profile + "/geojson",
		payload:  payload,
	}, nil
}

func (c *directionsCall) request(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(c.payload))
	if err != nil {
		return nil, fmt.Errorf("create directions request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", geoJSONAccept)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return req, nil
}

// attempt sends the request once. Any status >= 400 becomes an
// *httpStatusError carrying a truncated body and the server's Retry-After.
func (c *directionsCall) attempt(ctx context.Context) (*http.Response, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	return nil, &httpStatusError{
		Code:       resp.StatusCode,
		Body:       strings.TrimSpace(string(b)),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
}

// send retries rate limits, 5xx responses and network errors. The wait
// doubles per attempt up to maxBackoff, and a Retry-After hint from the
// server replaces it when longer.
func (c *directionsCall) send(ctx context.Context, attempts int, backoff time.Duration) (*http.Response, error) {
	var lastErr error
	wait := backoff

	for n := 0; n < attempts; n++ {
		if n > 0 {
			delay := wait
			var he *httpStatusError
			if errors.As(lastErr, &he) && he.RetryAfter > delay {
				delay = min(he.RetryAfter, maxBackoff)
			}

			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
			wait = min(wait*2, maxBackoff)
		}

		resp, err := c.attempt(ctx)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}

	return nil, lastErr
}

func retryable(err error) bool {
	var he *httpStatusError
	if errors.As(err, &he) {
		return he.Code == http.StatusTooManyRequests || he.Code >= 500 && he.Code != http.StatusNotImplemented
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryAfter reads the delay-seconds form of the header; ORS does not send dates.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
