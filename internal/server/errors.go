package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/activation"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/invite"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/translate"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: devices.ErrInvalidDeviceID, status: http.StatusBadRequest, code: "invalid_device_id"},
	{target: ledger.ErrInvalidPool, status: http.StatusBadRequest, code: "invalid_pool"},
	{target: ledger.ErrInsufficientCredits, status: http.StatusForbidden, code: "insufficient_credits"},
	{target: activation.ErrCodeNotFound, status: http.StatusNotFound, code: "code_not_found"},
	{target: activation.ErrInvalidCodeType, status: http.StatusBadRequest, code: "invalid_code_type"},
	{target: activation.ErrInvalidInitialCount, status: http.StatusBadRequest, code: "invalid_initial_count"},
	{target: invite.ErrCodeNotFound, status: http.StatusNotFound, code: "invite_not_found"},
	{target: invite.ErrSelfInvite, status: http.StatusBadRequest, code: "self_invite"},
	{target: invite.ErrAlreadyUsed, status: http.StatusBadRequest, code: "already_used"},
	{target: invite.ErrFingerprintCollision, status: http.StatusBadRequest, code: "fingerprint_collision"},
	{target: orders.ErrOrderNotFound, status: http.StatusNotFound, code: "order_not_found"},
	{target: orders.ErrDuplicateOrder, status: http.StatusConflict, code: "duplicate_order"},
	{target: orders.ErrAlreadyFulfilled, status: http.StatusConflict, code: "already_fulfilled"},
	{target: orders.ErrInvalidTransition, status: http.StatusConflict, code: "invalid_transition"},
	{target: orders.ErrInvalidOrder, status: http.StatusBadRequest, code: "invalid_order"},
	{target: orders.ErrInvalidStatus, status: http.StatusBadRequest, code: "invalid_status"},
	{target: translate.ErrEmptyText, status: http.StatusBadRequest, code: "missing_text"},
	{target: translate.ErrUnsupportedLanguage, status: http.StatusBadRequest, code: "unsupported_language"},
}

type codedError interface {
	Code() string
}

// respondError writes the JSON error body for err. Unmapped errors are
// logged and returned as 500 with the service error code when one exists.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	var syncErr *ledger.SyncError
	if errors.As(err, &syncErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":       "needs_sync",
			"clientCount": syncErr.ClientCount,
			"serverCount": syncErr.ServerCount,
		})
		return
	}

	var upstreamErr *translate.UpstreamError
	if errors.As(err, &upstreamErr) {
		h.logger.Warn(message, zap.Error(err))
		body := gin.H{"error": "translation_failed", "refunded": upstreamErr.Refunded}
		for key, value := range balanceFields(upstreamErr.Balance) {
			body[key] = value
		}
		c.JSON(http.StatusBadGateway, body)
		return
	}

	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			c.JSON(mapping.status, gin.H{"error": mapping.code})
			return
		}
	}

	h.logger.Error(message, zap.Error(err))
	body := gin.H{"error": "internal_error"}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	c.JSON(http.StatusInternalServerError, body)
}

func balanceFields(balance ledger.Balance) gin.H {
	return gin.H{
		"freeCount":       balance.FreeCount,
		"activationCount": balance.ActivationCount,
		"totalCount":      balance.TotalCount,
	}
}
