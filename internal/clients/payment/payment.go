// Package payment is the HTTP client for the payment provider. Transport
// failures and 5xx answers are retried with exponential backoff; 4xx answers
// are final. A declined payment is a normal result, not an error.
package payment

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

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/parkora/reservation-service/internal/metrics"
)

// ErrUnavailable means the provider could not be reached after all attempts.
var ErrUnavailable = errors.New("payment service unavailable")

const (
	defaultTimeout  = 5 * time.Second
	maxAttempts     = 3
	defaultCurrency = "EUR"
)

// Request carries one charge.
type Request struct {
	ReservationID uuid.UUID       `json:"reservation_id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	UserID        uuid.UUID       `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// Result is the provider's answer. Success false with a message is a
// decline; the transaction id is only meaningful on success.
type Result struct {
	Success       bool      `json:"success"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Status        string    `json:"status,omitempty"`
	Message       string    `json:"message,omitempty"`
}

// Client talks to the payment provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.SugaredLogger
}

// NewClient builds a payment client for baseURL. A zero timeout gets the
// default.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// statusError carries a non-2xx answer; 4xx ones stop the retry loop.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("payment service returned %d: %s", e.code, e.body)
}

func (e *statusError) permanent() bool { return e.code >= 400 && e.code < 500 }

// ProcessPayment charges the reservation. Empty currency defaults to EUR.
func (c *Client) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	if req.Currency == "" {
		req.Currency = defaultCurrency
	}

	attempt := 0
	op := func() (*Result, error) {
		attempt++
		res, err := c.do(ctx, http.MethodPost, "/payments", req)
		if err != nil {
			c.log.Warnw("payment attempt failed",
				"reservation_id", req.ReservationID, "attempt", attempt, "err", err)
			var se *statusError
			if errors.As(err, &se) && se.permanent() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts))
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.permanent() {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, attempt, err)
	}

	if res.Success {
		metrics.PaymentRequests.WithLabelValues("approved").Inc()
		c.log.Infow("payment approved",
			"reservation_id", req.ReservationID, "transaction_id", res.TransactionID)
	} else {
		metrics.PaymentRequests.WithLabelValues("declined").Inc()
		c.log.Infow("payment declined",
			"reservation_id", req.ReservationID, "message", res.Message)
	}
	return res, nil
}

// GetStatus fetches the provider's view of one transaction.
func (c *Client) GetStatus(ctx context.Context, transactionID uuid.UUID) (*Result, error) {
	op := func() (*Result, error) {
		res, err := c.do(ctx, http.MethodGet, "/payments/"+transactionID.String(), nil)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.permanent() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts))
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Result, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}
	return &res, nil
}
