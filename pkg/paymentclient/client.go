/**
 * @description
 * This package provides a client for the payment provider. It creates checkout
 * orders over HTTP and verifies the signature the provider attaches to a payment
 * confirmation.
 *
 * @notes
 * - Amounts are sent in minor units (1 major unit = 100 minor units).
 * - A confirmation is authentic when its signature equals
 *   hex(HMAC-SHA256(keySecret, orderId + "|" + paymentId)).
 */
package paymentclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a client for the payment provider API.
type Client struct {
	BaseURL    string
	KeyIDValue string
	KeySecret  string
	HTTPClient *http.Client
}

// NewClient creates a new payment provider client.
func NewClient(baseURL, keyID, keySecret string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		KeyIDValue: keyID,
		KeySecret:  keySecret,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateOrderRequest is the payload of the order endpoint.
type CreateOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

// OrderResponse is the provider's view of an order.
type OrderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// ErrorResponse represents an error from the provider API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Detail     struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Detail.Description != "" {
		return fmt.Sprintf("payment api error (%d): %s - %s", e.StatusCode, e.Detail.Code, e.Detail.Description)
	}
	return fmt.Sprintf("payment api error (%d)", e.StatusCode)
}

// KeyID is the public key id the client-side checkout needs.
func (c *Client) KeyID() string {
	return c.KeyIDValue
}

// ToMinorUnits converts a major-unit amount to the integer minor units the provider expects.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// CreateOrder opens a checkout order and returns its id. receipt is echoed back by
// the provider and correlates the order with our ledger entry.
func (c *Client) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (string, error) {
	payload := CreateOrderRequest{
		Amount:   ToMinorUnits(amount),
		Currency: currency,
		Receipt:  receipt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/orders", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.KeyIDValue, c.KeySecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send order request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read order response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &ErrorResponse{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		return "", apiErr
	}

	var order OrderResponse
	if err := json.Unmarshal(respBody, &order); err != nil {
		return "", fmt.Errorf("failed to decode order response: %w", err)
	}
	if order.ID == "" {
		return "", fmt.Errorf("payment api returned an order without id")
	}
	return order.ID, nil
}

// Sign computes the confirmation signature for (orderID, paymentID).
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature authenticates (orderID, paymentID).
// The comparison is constant time.
func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	if c.KeySecret == "" || signature == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(Sign(c.KeySecret, orderID, paymentID))
	return hmac.Equal(provided, expected)
}
