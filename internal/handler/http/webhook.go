package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/traventa/bookingpay/internal/gateway/wechat"
	"github.com/traventa/bookingpay/internal/service"
	apperrors "github.com/traventa/bookingpay/pkg/errors"
	"github.com/traventa/bookingpay/pkg/httputil"
)

// WebhookHandler receives asynchronous channel notifications: payment
// confirmations and refund settlement callbacks. Every notification must
// carry a valid MD5 signature over its parameters.
type WebhookHandler struct {
	orders   *service.OrderService
	callback *service.CallbackService
	signKey  string
	logger   *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(orders *service.OrderService, callback *service.CallbackService, signKey string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		orders:   orders,
		callback: callback,
		signKey:  signKey,
		logger:   logger,
	}
}

// notifyAck is the acknowledgment body the channel expects.
type notifyAck struct {
	ReturnCode string `json:"return_code"`
	ReturnMsg  string `json:"return_msg,omitempty"`
}

func ackSuccess(w http.ResponseWriter) {
	httputil.WriteJSON(w, http.StatusOK, notifyAck{ReturnCode: "SUCCESS"})
}

func ackFail(w http.ResponseWriter, msg string) {
	// 200 with return_code FAIL asks the channel to redeliver later.
	httputil.WriteJSON(w, http.StatusOK, notifyAck{ReturnCode: "FAIL", ReturnMsg: msg})
}

// decodeSigned reads the notification parameters and verifies the signature.
func (h *WebhookHandler) decodeSigned(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var params map[string]string
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, notifyAck{ReturnCode: "FAIL", ReturnMsg: "invalid notification body"})
		return nil, false
	}

	if params["sign"] == "" || params["sign"] != wechat.Sign(params, h.signKey) {
		h.logger.WarnContext(r.Context(), "webhook signature rejected",
			slog.String("path", r.URL.Path),
		)
		httputil.WriteJSON(w, http.StatusUnauthorized, notifyAck{ReturnCode: "FAIL", ReturnMsg: "signature verification failed"})
		return nil, false
	}

	return params, true
}

// PaymentNotify handles POST /webhooks/payment: the channel's confirmation
// that an order was paid.
func (h *WebhookHandler) PaymentNotify(w http.ResponseWriter, r *http.Request) {
	params, ok := h.decodeSigned(w, r)
	if !ok {
		return
	}

	orderNo := params["order_no"]
	paidAmount, err := strconv.ParseInt(params["total_fee"], 10, 64)
	if orderNo == "" || err != nil {
		ackFail(w, "order_no and total_fee are required")
		return
	}

	paidAt := time.Now().UTC()
	if ts := params["time_end"]; ts != "" {
		if parsed, parseErr := time.Parse(time.RFC3339, ts); parseErr == nil {
			paidAt = parsed.UTC()
		}
	}

	if _, err := h.orders.MarkPaid(r.Context(), orderNo, paidAmount, paidAt); err != nil {
		h.logger.ErrorContext(r.Context(), "payment notification rejected",
			slog.String("order_no", orderNo),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, apperrors.ErrInvalidInput) {
			// Malformed or mismatched notification; redelivery cannot fix it.
			ackSuccess(w)
			return
		}
		ackFail(w, "payment notification not applied")
		return
	}

	ackSuccess(w)
}

// RefundNotify handles POST /webhooks/refund: the channel's settlement
// result for a refund.
func (h *WebhookHandler) RefundNotify(w http.ResponseWriter, r *http.Request) {
	params, ok := h.decodeSigned(w, r)
	if !ok {
		return
	}

	var settled int64
	if params["refund_status"] == service.CallbackStateSuccess {
		// A success notification without a parseable settled amount cannot
		// be reconciled. Defaulting it to zero would look like an amount
		// mismatch and quarantine a healthy refund, so ask for redelivery.
		var err error
		settled, err = strconv.ParseInt(params["settlement_refund_fee"], 10, 64)
		if err != nil {
			ackFail(w, "settlement_refund_fee is required")
			return
		}
	}

	input := service.CallbackInput{
		RefundNo:        params["refund_no"],
		GatewayRefundID: params["refund_id"],
		State:           params["refund_status"],
		SettledAmount:   settled,
		FailureReason:   params["err_code_des"],
	}

	if err := h.callback.HandleCallback(r.Context(), input); err != nil {
		if errors.Is(err, apperrors.ErrIntegrityFault) {
			// The refund is quarantined and operators alerted; redelivering
			// the same mismatched notification cannot resolve it.
			ackSuccess(w)
			return
		}
		h.logger.ErrorContext(r.Context(), "refund notification not applied",
			slog.String("refund_no", input.RefundNo),
			slog.String("error", err.Error()),
		)
		ackFail(w, "refund notification not applied")
		return
	}

	ackSuccess(w)
}
