/**
 * @description
 * This package provides a client for the deposit-management service, the system
 * of record for user deposits. The review workflow only needs one operation from
 * it: asking for a deposit's status to be changed.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http: Standard Go libraries.
 * - github.com/shopspring/decimal: Deposit amounts.
 */
package depositclient

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

	"github.com/shopspring/decimal"
)

const maxResponseBytes = 1 << 20

// Client is a client for the deposit-management service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new deposit-management client. A non-positive timeout
// falls back to 30 seconds.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StatusUpdateRequest is the body of a status change. Amount is sent as a JSON number.
type StatusUpdateRequest struct {
	Status string      `json:"status"`
	Email  string      `json:"email"`
	Amount json.Number `json:"amount"`
}

// NewStatusUpdateRequest builds a request body, encoding amount without loss of precision.
func NewStatusUpdateRequest(status, email string, amount decimal.Decimal) StatusUpdateRequest {
	return StatusUpdateRequest{
		Status: status,
		Email:  email,
		Amount: json.Number(amount.String()),
	}
}

// StatusUpdateResponse is returned on success.
type StatusUpdateResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is a non-2xx answer from the service. Message is empty when the
// body could not be decoded.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("deposit service error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("deposit service error (status %d)", e.StatusCode)
}

// RequestError is a failure that happened before a usable response was received.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// RejectionMessage extracts the operator-facing message from a remote rejection.
// It returns false for transport failures and for rejections without a message.
func RejectionMessage(err error) (string, bool) {
	var errResp *ErrorResponse
	if !errors.As(err, &errResp) {
		return "", false
	}
	msg := strings.TrimSpace(errResp.Message)
	return msg, msg != ""
}

// UpdateDepositStatus asks the service to move the deposit identified by depositID
// to req.Status.
func (c *Client) UpdateDepositStatus(ctx context.Context, depositID string, req StatusUpdateRequest) (*StatusUpdateResponse, error) {
	if c.baseURL == "" {
		return nil, &RequestError{Op: "update deposit status", Err: errors.New("deposit service base url is empty")}
	}
	if strings.TrimSpace(depositID) == "" {
		return nil, &RequestError{Op: "update deposit status", Err: errors.New("deposit id is empty")}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &RequestError{Op: "marshal status update", Err: err}
	}

	endpoint := fmt.Sprintf("%s/deposits/%s", c.baseURL, url.PathEscape(depositID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Op: "create status update request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &RequestError{Op: "execute status update request", Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RequestError{Op: "read status update response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(bodyBytes, errResp); jsonErr != nil {
			errResp.Message = ""
		}
		errResp.StatusCode = resp.StatusCode
		return nil, errResp
	}

	var out StatusUpdateResponse
	if len(bytes.TrimSpace(bodyBytes)) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, &RequestError{Op: "decode status update response", Err: err}
	}
	return &out, nil
}
