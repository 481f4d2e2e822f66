package wechat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traventa/bookingpay/internal/gateway"
	"github.com/traventa/bookingpay/pkg/httpclient"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*Gateway, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = 2 * time.Second
	clientCfg.MaxRetries = 0

	cbCfg := httpclient.DefaultCircuitBreakerConfig("wxpay-test-" + t.Name())
	client := httpclient.NewCircuitBreakerClient(httpclient.New(clientCfg), cbCfg, slog.Default())

	gw := New(Config{
		BaseURL:    srv.URL,
		MerchantID: "mch-001",
		APIKey:     "test-api-key",
		MaxAmount:  100000,
	}, client, slog.Default())

	return gw, srv
}

func sampleInput() *gateway.RefundInput {
	return &gateway.RefundInput{
		OrderNo:     "ORD20260301001",
		RefundNo:    "RF20260302001",
		TotalAmount: 29900,
		Amount:      9900,
		Reason:      "trip cancelled",
	}
}

func TestGateway_Refund_Accepted(t *testing.T) {
	var received map[string]string
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"return_code": "SUCCESS",
			"refund_id":   "wx-ref-123",
		})
	})

	result, err := gw.Refund(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.Equal(t, "wx-ref-123", result.GatewayRefundID)
	assert.Equal(t, gateway.RefundStateProcessing, result.State)

	// The merchant refund number travels verbatim, and the request is signed.
	assert.Equal(t, "RF20260302001", received["refund_no"])
	assert.Equal(t, "9900", received["refund_fee"])
	assert.Equal(t, Sign(received, "test-api-key"), received["sign"])
}

func TestGateway_Refund_ExceedsCeiling(t *testing.T) {
	called := false
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	input := sampleInput()
	input.Amount = 100001

	result, err := gw.Refund(context.Background(), input)
	assert.Nil(t, result)
	require.Error(t, err)
	assert.False(t, gateway.IsTransient(err))
	assert.False(t, called, "ceiling violations must be rejected before any network call")
}

func TestGateway_Refund_BusinessRejection(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"return_code":  "FAIL",
			"err_code":     "NOTENOUGH",
			"err_code_des": "insufficient channel balance",
		})
	})

	result, err := gw.Refund(context.Background(), sampleInput())
	assert.Nil(t, result)
	require.Error(t, err)

	var gwErr *gateway.Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "NOTENOUGH", gwErr.Code)
	assert.False(t, gwErr.Transient)
}

func TestGateway_Refund_SystemErrorIsTransient(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"return_code": "FAIL",
			"err_code":    "SYSTEMERROR",
		})
	})

	_, err := gw.Refund(context.Background(), sampleInput())
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
}

func TestGateway_Refund_ServerErrorIsTransient(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := gw.Refund(context.Background(), sampleInput())
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
}

func TestGateway_Refund_BadRequestIsPermanent(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing field", http.StatusBadRequest)
	})

	_, err := gw.Refund(context.Background(), sampleInput())
	require.Error(t, err)
	assert.False(t, gateway.IsTransient(err))
}

func TestGateway_QueryRefund_StateMapping(t *testing.T) {
	tests := []struct {
		name          string
		channelStatus string
		wantState     string
	}{
		{"settled", "SUCCESS", gateway.RefundStateSuccess},
		{"still processing", "PROCESSING", gateway.RefundStateProcessing},
		{"no status yet", "", gateway.RefundStateProcessing},
		{"closed", "REFUNDCLOSE", gateway.RefundStateFailed},
		{"unknown status", "CHANGE", gateway.RefundStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{
					"return_code":   "SUCCESS",
					"refund_id":     "wx-ref-123",
					"refund_status": tt.channelStatus,
				})
			})

			result, err := gw.QueryRefund(context.Background(), "RF20260302001")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, result.State)
		})
	}
}

func TestSign(t *testing.T) {
	params := map[string]string{
		"mch_id":    "mch-001",
		"refund_no": "RF001",
		"total_fee": "29900",
		"empty":     "",
	}

	sig := Sign(params, "secret")
	assert.Len(t, sig, 32)
	assert.Equal(t, sig, Sign(params, "secret"), "signature must be deterministic")
	assert.NotEqual(t, sig, Sign(params, "other-key"))

	// The sign field itself and empty values are excluded from the digest.
	params["sign"] = sig
	assert.Equal(t, sig, Sign(params, "secret"))
}
