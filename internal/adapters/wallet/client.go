// Package wallet credits refunds to a user's wallet through the wallet service.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

var errRejected = errors.New("wallet rejected credit")

type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  observability.Logger
}

func NewClient(baseURL string, logger observability.Logger) *Client {
	c := &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "wallet",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A 4xx is the wallet answering, not the wallet being down.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	return c
}

type creditRequest struct {
	Amount    int64  `json:"amount"`
	BookingID string `json:"booking_id"`
}

// Credit posts a refund credit. The booking id doubles as the idempotency
// key so a retried credit is applied once.
func (c *Client) Credit(ctx context.Context, userID string, amount int64, bookingID string) error {
	body, err := json.Marshal(creditRequest{Amount: amount, BookingID: bookingID})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v1/wallets/%s/credits", c.baseURL, url.PathEscape(userID))

	_, err = c.breaker.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "refund:"+bookingID)

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, errors.Wrap(err, "wallet request")
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return struct{}{}, errors.Wrapf(errRejected, "status %d", resp.StatusCode)
		default:
			return struct{}{}, errors.Newf("wallet status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "credit %d to %s for %s", amount, userID, bookingID)
	}
	return nil
}
