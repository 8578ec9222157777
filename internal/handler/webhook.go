package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/service"
	"github.com/mmeshcher/storybook/internal/validation"
)

const signatureHeader = "X-Signature"

type paymentEventRequest struct {
	AccountID        string `json:"account_id"`
	Credits          int64  `json:"credits"`
	PaymentReference string `json:"payment_reference"`
}

type paymentEventResponse struct {
	Balance   int64 `json:"balance"`
	Duplicate bool  `json:"duplicate"`
}

// PaymentWebhook принимает подписанное подтверждение оплаты и начисляет кредиты.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.opts.WebhookSecret == "" {
		h.logger.Warn("payment webhook called without configured secret")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.validSignature(body, r.Header.Get(signatureHeader)) {
		h.logger.Warn("payment webhook signature mismatch", zap.String("remote", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req paymentEventRequest
	if err := validation.DecodeJSON(bytes.NewReader(body), &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := validation.Reference("payment_reference", req.PaymentReference); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := validation.Range("credits", req.Credits, 1, 100000); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.service.RecordPurchase(r.Context(), service.PurchaseEvent{
		AccountID:        req.AccountID,
		Credits:          req.Credits,
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, paymentEventResponse{Balance: res.Balance, Duplicate: res.Duplicate})
}

func (h *Handler) validSignature(body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.opts.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
