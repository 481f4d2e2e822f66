package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/traventa/bookingpay/internal/domain"
	"github.com/traventa/bookingpay/internal/service"
	"github.com/traventa/bookingpay/pkg/httputil"
	"github.com/traventa/bookingpay/pkg/logger"
	"github.com/traventa/bookingpay/pkg/validator"
)

// RefundHandler handles HTTP requests for refund endpoints.
type RefundHandler struct {
	service *service.RefundService
	logger  *slog.Logger
}

// NewRefundHandler creates a new refund HTTP handler.
func NewRefundHandler(svc *service.RefundService, logger *slog.Logger) *RefundHandler {
	return &RefundHandler{
		service: svc,
		logger:  logger,
	}
}

// CreateRefundRequest is the JSON request body for requesting a refund.
// Amount is in minor currency units. A client-supplied refund_no lets the
// caller make resubmissions idempotent.
type CreateRefundRequest struct {
	OrderID  string `json:"order_id" validate:"required,uuid"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Reason   string `json:"reason" validate:"required,min=3"`
	RefundNo string `json:"refund_no" validate:"omitempty,min=6,max=64"`
}

// RefundView is the read representation of a refund request.
type RefundView struct {
	*domain.RefundRequest
	AmountFormatted string `json:"amount_formatted"`
}

func newRefundView(rf *domain.RefundRequest) RefundView {
	return RefundView{
		RefundRequest:   rf,
		AmountFormatted: domain.FormatAmount(rf.Amount),
	}
}

// CreateRefund handles POST /api/v1/refunds. The refund record is persisted
// synchronously; the gateway submission runs on a background goroutine and
// the response reports the PENDING record with 202.
func (h *RefundHandler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req CreateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	refund, err := h.service.InitiateRefund(r.Context(), service.InitiateRefundInput{
		OrderID:  req.OrderID,
		Amount:   req.Amount,
		Reason:   req.Reason,
		RefundNo: req.RefundNo,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.runAsync(r.Context(), refund.RefundNo, func(ctx context.Context) error {
		return h.service.Process(ctx, refund.ID)
	})

	httputil.WriteJSON(w, http.StatusAccepted, httputil.Response{Data: newRefundView(refund)})
}

// GetRefund handles GET /api/v1/refunds/{id}
func (h *RefundHandler) GetRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	refund, err := h.service.GetRefund(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newRefundView(refund)})
}

// RetryRefund handles POST /api/v1/refunds/{id}/retry. Operator action for a
// FAILED or ABNORMAL refund; the new submission runs in the background.
func (h *RefundHandler) RetryRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	refund, err := h.service.GetRefund(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if !refund.IsRetryable() {
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "NOT_RETRYABLE", Message: "refund in status " + refund.Status + " cannot be retried"},
		})
		return
	}

	h.runAsync(r.Context(), refund.RefundNo, func(ctx context.Context) error {
		return h.service.Retry(ctx, refund.ID)
	})

	httputil.WriteJSON(w, http.StatusAccepted, httputil.Response{Data: newRefundView(refund)})
}

// CancelRefund handles POST /api/v1/refunds/{id}/cancel
func (h *RefundHandler) CancelRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	refund, err := h.service.Cancel(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: newRefundView(refund)})
}

// runAsync runs the gateway submission detached from the request lifecycle
// while keeping the request's correlation id for log continuity.
func (h *RefundHandler) runAsync(ctx context.Context, refundNo string, fn func(context.Context) error) {
	detached := context.WithoutCancel(ctx)
	go func() {
		if err := fn(detached); err != nil {
			logger.FromContext(detached).Error("refund submission failed",
				slog.String("refund_no", refundNo),
				slog.String("error", err.Error()),
			)
		}
	}()
}
