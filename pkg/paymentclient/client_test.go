package paymentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCreateOrder(t *testing.T) {
	var got CreateOrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key_1" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"order_abc","amount":12550,"currency":"INR","status":"created"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "key_1", "secret")
	id, err := c.CreateOrder(context.Background(), decimal.RequireFromString("125.50"), "INR", "rcpt_1")
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if id != "order_abc" {
		t.Fatalf("unexpected order id %q", id)
	}
	if got.Amount != 12550 || got.Currency != "INR" || got.Receipt != "rcpt_1" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if c.KeyID() != "key_1" {
		t.Fatalf("unexpected key id %q", c.KeyID())
	}
}

func TestCreateOrder_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"amount too small"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k", "s").CreateOrder(context.Background(), decimal.NewFromInt(1), "INR", "r")
	var apiErr *ErrorResponse
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ErrorResponse, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Detail.Code != "BAD_REQUEST_ERROR" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestVerifySignature(t *testing.T) {
	c := NewClient("http://unused", "key", "shared_secret")
	valid := Sign("shared_secret", "order_1", "pay_1")

	tests := []struct {
		name      string
		orderID   string
		paymentID string
		signature string
		want      bool
	}{
		{"valid", "order_1", "pay_1", valid, true},
		{"other payment", "order_1", "pay_2", valid, false},
		{"other order", "order_2", "pay_1", valid, false},
		{"wrong secret", "order_1", "pay_1", Sign("other", "order_1", "pay_1"), false},
		{"not hex", "order_1", "pay_1", "zz", false},
		{"empty", "order_1", "pay_1", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.VerifySignature(tc.orderID, tc.paymentID, tc.signature); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}

	if NewClient("http://unused", "key", "").VerifySignature("order_1", "pay_1", valid) {
		t.Fatal("a client without secret must reject every signature")
	}
}

func TestToMinorUnits(t *testing.T) {
	if got := ToMinorUnits(decimal.RequireFromString("10.005")); got != 1001 {
		t.Fatalf("got %d", got)
	}
	if got := ToMinorUnits(decimal.NewFromInt(45)); got != 4500 {
		t.Fatalf("got %d", got)
	}
}
