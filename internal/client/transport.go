// Package client is the staff app's view of the ledger: a REST transport to
// the ledger server and a read-through month cache in front of it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"feeledger/internal/core"
)

var (
	// ErrNetworkFailure means the request may or may not have reached the
	// server. For writes the outcome is unknown.
	ErrNetworkFailure = errors.New("network failure")
	// ErrOutcomeUnknown is returned by SubmitPayment when a write failed in a
	// way that leaves its outcome unknown. Re-check the summary before
	// submitting again.
	ErrOutcomeUnknown = errors.New("payment outcome unknown")
	// ErrSubmitInFlight rejects a second submit for a student whose previous
	// submit has not returned.
	ErrSubmitInFlight = errors.New("payment submission already in flight")
)

// APIError is a rejection returned by the ledger server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger api %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps server error codes back to ledger sentinels so callers can use
// errors.Is across the wire.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "INVALID_AMOUNT":
		return core.ErrInvalidAmount
	case "DUPLICATE_PERIOD":
		return core.ErrDuplicatePeriod
	case "UNKNOWN_STUDENT":
		return core.ErrUnknownStudent
	case "NO_OPEN_PERIODS":
		return core.ErrNoOpenPeriods
	case "CONCURRENT_MODIFICATION":
		return core.ErrConcurrentModification
	case "UNKNOWN_PAYMENT_MODE":
		return core.ErrUnknownPaymentMode
	case "INVALID_MONTH":
		return core.ErrInvalidMonth
	}
	return nil
}

// PaymentRequest is a payment as entered on the collect-payment screen.
type PaymentRequest struct {
	StudentID     string
	Amount        core.Money
	PaymentDate   core.Date
	DueDate       core.Date
	PaymentModeID int64
	FeeMonth      core.FeeMonth
	TransactionID string
	Notes         string
}

// PaymentReceipt is the server's answer to a recorded payment.
type PaymentReceipt struct {
	Payment  core.Payment
	Records  []FeeRecord
	Replayed bool
}

// Transport reaches the ledger server.
type Transport interface {
	FetchSummary(ctx context.Context, hostelID string, month core.FeeMonth) (MonthData, error)
	RecordPayment(ctx context.Context, req PaymentRequest) (PaymentReceipt, error)
	PaymentModes(ctx context.Context) ([]core.PaymentMode, error)
}

// RESTTransport talks to the ledger server's JSON API. Reads are retried on
// network errors and 5xx responses; writes never are.
type RESTTransport struct {
	baseURL    *url.URL
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	userAgent  string
}

type RESTOption func(*RESTTransport)

// WithHTTPClient replaces the default client, e.g. to share a transport.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(t *RESTTransport) { t.httpClient = c }
}

// WithReadRetries sets how many times a failed read is retried.
func WithReadRetries(n int, delay time.Duration) RESTOption {
	return func(t *RESTTransport) {
		t.maxRetries = n
		t.retryDelay = delay
	}
}

func NewRESTTransport(baseURL string, timeout time.Duration, opts ...RESTOption) (*RESTTransport, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	t := &RESTTransport{
		baseURL:    u,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 2,
		retryDelay: 200 * time.Millisecond,
		userAgent:  "feeledger-client/1.0",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *RESTTransport) FetchSummary(ctx context.Context, hostelID string, month core.FeeMonth) (MonthData, error) {
	q := url.Values{"fee_month": {month.String()}}
	if hostelID != "" {
		q.Set("hostel_id", hostelID)
	}
	body, err := t.get(ctx, "/monthly-fees/summary", q)
	if err != nil {
		return MonthData{}, err
	}
	return decodeSummary(body)
}

func (t *RESTTransport) PaymentModes(ctx context.Context) ([]core.PaymentMode, error) {
	body, err := t.get(ctx, "/monthly-fees/payment-modes", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		PaymentModes []core.PaymentMode `json:"payment_modes"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode payment modes: %w", err)
	}
	return resp.PaymentModes, nil
}

type recordPaymentBody struct {
	StudentID     string     `json:"student_id"`
	Amount        core.Money `json:"amount"`
	PaymentDate   string     `json:"payment_date,omitempty"`
	DueDate       string     `json:"due_date,omitempty"`
	PaymentModeID int64      `json:"payment_mode_id"`
	FeeMonth      string     `json:"fee_month,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// RecordPayment posts one payment. Any failure after the request may have
// left this process is reported as ErrNetworkFailure, as are 5xx responses:
// the server might have committed before failing.
func (t *RESTTransport) RecordPayment(ctx context.Context, req PaymentRequest) (PaymentReceipt, error) {
	payload := recordPaymentBody{
		StudentID:     req.StudentID,
		Amount:        req.Amount,
		PaymentModeID: req.PaymentModeID,
		TransactionID: req.TransactionID,
		Notes:         req.Notes,
	}
	if !req.PaymentDate.IsZero() {
		payload.PaymentDate = req.PaymentDate.String()
	}
	if !req.DueDate.IsZero() {
		payload.DueDate = req.DueDate.String()
	}
	if !req.FeeMonth.IsZero() {
		payload.FeeMonth = req.FeeMonth.String()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return PaymentReceipt{}, fmt.Errorf("encode payment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("/monthly-fees/record-payment", nil), bytes.NewReader(data))
	if err != nil {
		return PaymentReceipt{}, fmt.Errorf("create request: %w", err)
	}
	t.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return PaymentReceipt{}, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return PaymentReceipt{}, fmt.Errorf("%w: read response: %w", ErrNetworkFailure, err)
	}
	if resp.StatusCode >= 500 {
		return PaymentReceipt{}, fmt.Errorf("%w: %w", ErrNetworkFailure, apiError(resp.StatusCode, body))
	}
	if resp.StatusCode >= 300 {
		return PaymentReceipt{}, apiError(resp.StatusCode, body)
	}
	receipt, err := decodeReceipt(body)
	if err != nil {
		// The server answered 2xx, so the payment is recorded, but we cannot
		// tell what it looks like.
		return PaymentReceipt{}, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	return receipt, nil
}

const maxBody = 8 << 20

func (t *RESTTransport) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			delay := t.retryDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, retry, err := t.getOnce(ctx, path, q)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (t *RESTTransport) getOnce(ctx context.Context, path string, q url.Values) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint(path, q), nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	t.setHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, true, fmt.Errorf("%w: read response: %w", ErrNetworkFailure, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("%w: %w", ErrNetworkFailure, apiError(resp.StatusCode, body))
	case resp.StatusCode >= 300:
		return nil, false, apiError(resp.StatusCode, body)
	}
	return body, false, nil
}

func (t *RESTTransport) endpoint(path string, q url.Values) string {
	u := *t.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (t *RESTTransport) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
}

func apiError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(body))
		if payload.Error == "" {
			payload.Error = http.StatusText(status)
		}
	}
	return &APIError{Status: status, Code: payload.Code, Message: payload.Error}
}
