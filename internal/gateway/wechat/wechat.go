package wechat

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // channel protocol mandates MD5 signatures
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/traventa/bookingpay/internal/gateway"
	"github.com/traventa/bookingpay/pkg/httpclient"
)

var refundRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_refund_requests_total",
		Help: "Total refund channel calls by operation and outcome",
	},
	[]string{"operation", "outcome"},
)

func init() {
	prometheus.MustRegister(refundRequests)
}

// Channel result codes that indicate a transient condition. Anything else on
// a FAIL result is a business rejection and must not be retried.
var transientCodes = map[string]bool{
	"SYSTEMERROR":       true,
	"BIZERR_NEED_RETRY": true,
	"FREQUENCY_LIMITED": true,
}

// Config holds the channel credentials and limits.
type Config struct {
	BaseURL    string
	MerchantID string
	APIKey     string

	// MaxAmount is the per-call refund ceiling in minor units. Requests
	// above it are rejected locally before any network call.
	MaxAmount int64
}

// Gateway is a WeChat-Pay-style refund channel client. All calls go through
// a circuit breaker and carry an MD5 signature over the sorted request
// parameters.
type Gateway struct {
	cfg    Config
	client *httpclient.CircuitBreakerClient
	logger *slog.Logger
}

// New creates a channel client. The HTTP client should have its own retries
// disabled; the refund orchestrator owns the retry policy.
func New(cfg Config, client *httpclient.CircuitBreakerClient, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		client: client,
		logger: logger.With(slog.String("component", "gateway.wxpay")),
	}
}

// Name returns the channel name.
func (g *Gateway) Name() string {
	return "wxpay"
}

// refundResponse is the channel's wire response for both submit and query.
type refundResponse struct {
	ReturnCode   string `json:"return_code"`
	ReturnMsg    string `json:"return_msg"`
	ErrCode      string `json:"err_code"`
	ErrCodeDes   string `json:"err_code_des"`
	RefundID     string `json:"refund_id"`
	RefundStatus string `json:"refund_status"`
}

// Refund submits a refund to the channel. The merchant refund number is sent
// verbatim so the channel deduplicates retries of the same request.
func (g *Gateway) Refund(ctx context.Context, input *gateway.RefundInput) (*gateway.RefundResult, error) {
	if g.cfg.MaxAmount > 0 && input.Amount > g.cfg.MaxAmount {
		refundRequests.WithLabelValues("refund", "rejected").Inc()
		return nil, &gateway.Error{
			Code:      "AMOUNT_EXCEEDS_LIMIT",
			Message:   fmt.Sprintf("refund amount %d exceeds per-call ceiling %d", input.Amount, g.cfg.MaxAmount),
			Transient: false,
		}
	}

	params := map[string]string{
		"mch_id":     g.cfg.MerchantID,
		"order_no":   input.OrderNo,
		"refund_no":  input.RefundNo,
		"total_fee":  strconv.FormatInt(input.TotalAmount, 10),
		"refund_fee": strconv.FormatInt(input.Amount, 10),
		"nonce_str":  strings.ReplaceAll(uuid.New().String(), "-", ""),
	}
	if input.Reason != "" {
		params["refund_desc"] = input.Reason
	}

	resp, err := g.call(ctx, "refund", "/v2/secapi/refund", params)
	if err != nil {
		return nil, err
	}

	g.logger.Info("refund accepted by channel",
		slog.String("refund_no", input.RefundNo),
		slog.String("gateway_refund_id", resp.RefundID),
	)

	// The channel confirms the final outcome asynchronously; acceptance
	// only means the request is in flight on their side.
	return &gateway.RefundResult{
		GatewayRefundID: resp.RefundID,
		State:           gateway.RefundStateProcessing,
	}, nil
}

// QueryRefund fetches the channel's current view of a refund.
func (g *Gateway) QueryRefund(ctx context.Context, refundNo string) (*gateway.RefundResult, error) {
	params := map[string]string{
		"mch_id":    g.cfg.MerchantID,
		"refund_no": refundNo,
		"nonce_str": strings.ReplaceAll(uuid.New().String(), "-", ""),
	}

	resp, err := g.call(ctx, "query", "/v2/refundquery", params)
	if err != nil {
		return nil, err
	}

	result := &gateway.RefundResult{
		GatewayRefundID: resp.RefundID,
		FailureReason:   resp.ErrCodeDes,
	}

	switch resp.RefundStatus {
	case "SUCCESS":
		result.State = gateway.RefundStateSuccess
	case "PROCESSING", "":
		result.State = gateway.RefundStateProcessing
	default:
		// REFUNDCLOSE, CHANGE and anything unrecognized count as failed.
		result.State = gateway.RefundStateFailed
		if result.FailureReason == "" {
			result.FailureReason = "channel refund status " + resp.RefundStatus
		}
	}

	return result, nil
}

// call signs and posts the parameters, classifying every failure mode into a
// gateway.Error so callers can decide whether a retry is safe.
func (g *Gateway) call(ctx context.Context, operation, path string, params map[string]string) (*refundResponse, error) {
	params["sign"] = Sign(params, g.cfg.APIKey)

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal channel request: %w", err)
	}

	resp, err := g.client.Post(ctx, g.cfg.BaseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		refundRequests.WithLabelValues(operation, "transport_error").Inc()
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		refundRequests.WithLabelValues(operation, "transport_error").Inc()
		return nil, &gateway.Error{Code: "READ_RESPONSE", Message: err.Error(), Transient: true}
	}

	if resp.StatusCode != http.StatusOK {
		refundRequests.WithLabelValues(operation, "http_error").Inc()
		// 5xx never reaches here (the breaker turns it into an error);
		// a 4xx means the request itself is malformed or rejected.
		return nil, &gateway.Error{
			Code:      "HTTP_" + strconv.Itoa(resp.StatusCode),
			Message:   string(respBody),
			Transient: false,
		}
	}

	var parsed refundResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		refundRequests.WithLabelValues(operation, "bad_response").Inc()
		return nil, &gateway.Error{Code: "BAD_RESPONSE", Message: err.Error(), Transient: true}
	}

	if parsed.ReturnCode != "SUCCESS" {
		code := parsed.ErrCode
		if code == "" {
			code = "CHANNEL_FAIL"
		}
		message := parsed.ErrCodeDes
		if message == "" {
			message = parsed.ReturnMsg
		}
		transient := transientCodes[code]
		if transient {
			refundRequests.WithLabelValues(operation, "transient_fail").Inc()
		} else {
			refundRequests.WithLabelValues(operation, "rejected").Inc()
		}
		return nil, &gateway.Error{Code: code, Message: message, Transient: transient}
	}

	refundRequests.WithLabelValues(operation, "success").Inc()
	return &parsed, nil
}

func classifyTransportError(err error) error {
	if httpclient.IsCircuitOpen(err) {
		return &gateway.Error{Code: "CIRCUIT_OPEN", Message: err.Error(), Transient: true}
	}
	var serverErr *httpclient.ServerError
	if errors.As(err, &serverErr) {
		return &gateway.Error{
			Code:      "HTTP_" + strconv.Itoa(serverErr.StatusCode),
			Message:   string(serverErr.Body),
			Transient: true,
		}
	}
	// Timeouts and connection failures.
	return &gateway.Error{Code: "NETWORK", Message: err.Error(), Transient: true}
}

// Sign computes the MD5 signature over the sorted non-empty parameters
// joined as key=value pairs, with the API key appended last.
func Sign(params map[string]string, apiKey string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte('&')
	}
	sb.WriteString("key=")
	sb.WriteString(apiKey)

	sum := md5.Sum([]byte(sb.String())) //nolint:gosec // channel protocol mandates MD5
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
