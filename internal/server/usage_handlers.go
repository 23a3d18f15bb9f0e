package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/translate"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type checkRequest struct {
	DeviceID    string `json:"deviceId"`
	ClientCount *int64 `json:"clientCount"`
}

type consumeRequest struct {
	DeviceID    string `json:"deviceId"`
	TextLength  int64  `json:"textLength"`
	ClientCount *int64 `json:"clientCount"`
}

type restoreRequest struct {
	DeviceID       string `json:"deviceId"`
	TransactionID  string `json:"transactionId"`
	UsedFrom       string `json:"usedFrom"`
	ActivationCode string `json:"activationCode"`
}

type translateRequest struct {
	DeviceID    string `json:"deviceId"`
	Text        string `json:"text"`
	TargetLang  string `json:"targetLang"`
	ClientCount *int64 `json:"clientCount"`
}

func (h *httpHandler) handleCheck(c *gin.Context) {
	var payload checkRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	deviceID, err := devices.NewID(payload.DeviceID)
	if err != nil {
		h.respondError(c, "usage check rejected", err)
		return
	}
	balance, err := h.ledger.CheckBalance(c.Request.Context(), deviceID)
	if err != nil {
		h.respondError(c, "usage check failed", err)
		return
	}
	syncErr := ledger.CheckSync(payload.ClientCount, balance.TotalCount, h.ledger.SyncTolerance())
	body := balanceFields(balance)
	body["clientCountValid"] = syncErr == nil
	body["needsSync"] = syncErr != nil
	c.JSON(http.StatusOK, body)
}

func (h *httpHandler) handleConsume(c *gin.Context) {
	var payload consumeRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	deviceID, err := devices.NewID(payload.DeviceID)
	if err != nil {
		h.respondError(c, "consume rejected", err)
		return
	}
	if payload.TextLength < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_text_length"})
		return
	}
	result, err := h.ledger.ConsumeCredit(c.Request.Context(), ledger.ConsumeRequest{
		DeviceID:    deviceID,
		TextLength:  payload.TextLength,
		IPAddress:   devices.ClientIP(c.Request, c.ClientIP()),
		ClientCount: payload.ClientCount,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			h.metrics.ObserveInsufficient()
		}
		h.respondError(c, "consume failed", err)
		return
	}
	h.metrics.ObserveConsumed(string(result.UsedFrom))
	h.realtime.PublishBalance(deviceID, result.Balance)

	body := balanceFields(result.Balance)
	body["transactionId"] = result.TransactionID
	body["usedFrom"] = result.UsedFrom
	body["remainingCount"] = result.RemainingCount
	body["usedActivationCode"] = nullableString(result.ActivationCode)
	c.JSON(http.StatusOK, body)
}

// handleRestore never reports a stale or duplicate restore as a failure; the
// caller gets restored=false and the current totals.
func (h *httpHandler) handleRestore(c *gin.Context) {
	var payload restoreRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	deviceID, err := devices.NewID(payload.DeviceID)
	if err != nil {
		h.respondError(c, "restore rejected", err)
		return
	}
	if payload.TransactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_transaction_id"})
		return
	}
	var pool ledger.Pool
	if payload.UsedFrom != "" {
		pool, err = ledger.ParsePool(payload.UsedFrom)
		if err != nil {
			h.respondError(c, "restore rejected", err)
			return
		}
	}

	ctx := c.Request.Context()
	result, err := h.ledger.RestoreCredit(ctx, ledger.RestoreRequest{
		DeviceID:       deviceID,
		TransactionID:  payload.TransactionID,
		UsedFrom:       pool,
		ActivationCode: payload.ActivationCode,
	})
	switch {
	case errors.Is(err, ledger.ErrRestoreNotOutstanding), errors.Is(err, ledger.ErrRestoreMismatch):
		h.logger.Warn("restore skipped",
			zap.String("device_id", deviceID.String()),
			zap.String("transaction_id", payload.TransactionID),
			zap.Error(err),
		)
		h.metrics.ObserveRestore(restoreOutcome(err))
		balance, balanceErr := h.ledger.CheckBalance(ctx, deviceID)
		if balanceErr != nil {
			h.respondError(c, "restore balance failed", balanceErr)
			return
		}
		body := balanceFields(balance)
		body["restored"] = false
		body["remainingCount"] = balance.TotalCount
		c.JSON(http.StatusOK, body)
		return
	case err != nil:
		h.respondError(c, "restore failed", err)
		return
	}

	h.metrics.ObserveRestore(metrics.OutcomeRestored)
	h.realtime.PublishBalance(deviceID, result.Balance)
	body := balanceFields(result.Balance)
	body["restored"] = result.Restored
	body["usedFrom"] = result.UsedFrom
	body["remainingCount"] = result.RemainingCount
	c.JSON(http.StatusOK, body)
}

func restoreOutcome(err error) string {
	if errors.Is(err, ledger.ErrRestoreMismatch) {
		return metrics.OutcomeRejected
	}
	return metrics.OutcomeDuplicate
}

func (h *httpHandler) handleTranslate(c *gin.Context) {
	if h.translator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "translation_unavailable"})
		return
	}
	var payload translateRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	deviceID, err := devices.NewID(payload.DeviceID)
	if err != nil {
		h.respondError(c, "translate rejected", err)
		return
	}
	language, err := translate.ParseLanguage(payload.TargetLang)
	if err != nil {
		h.respondError(c, "translate rejected", err)
		return
	}

	result, err := h.translator.Translate(c.Request.Context(), translate.Request{
		DeviceID:    deviceID,
		Text:        payload.Text,
		Language:    language,
		IPAddress:   devices.ClientIP(c.Request, c.ClientIP()),
		ClientCount: payload.ClientCount,
	})
	if err != nil {
		var upstreamErr *translate.UpstreamError
		if errors.As(err, &upstreamErr) {
			h.realtime.PublishBalance(deviceID, upstreamErr.Balance)
		}
		h.respondError(c, "translate failed", err)
		return
	}
	h.metrics.ObserveConsumed(string(result.UsedFrom))
	h.realtime.PublishBalance(deviceID, result.Balance)

	body := balanceFields(result.Balance)
	body["sections"] = result.Sections
	body["targetLang"] = result.Language
	body["transactionId"] = result.TransactionID
	body["usedFrom"] = result.UsedFrom
	body["remainingCount"] = result.RemainingCount
	c.JSON(http.StatusOK, body)
}

// handleStream sends the current totals, then every published change for the
// device plus periodic heartbeats until the client disconnects.
func (h *httpHandler) handleStream(c *gin.Context) {
	deviceID, err := devices.NewID(c.Query("deviceId"))
	if err != nil {
		h.respondError(c, "stream rejected", err)
		return
	}
	ctx := c.Request.Context()
	balance, err := h.ledger.CheckBalance(ctx, deviceID)
	if err != nil {
		h.respondError(c, "stream balance failed", err)
		return
	}

	events, unsubscribe := h.realtime.Subscribe(ctx, deviceID)
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.SSEvent(RealtimeEventCreditsChanged, streamPayload(deviceID, balance, time.Now().UTC()))
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, streamPayload(message.DeviceID, message.Balance, message.Timestamp))
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339Nano)})
			return true
		}
	})
}

func streamPayload(deviceID devices.ID, balance ledger.Balance, timestamp time.Time) gin.H {
	body := balanceFields(balance)
	body["deviceId"] = deviceID.String()
	body["timestamp"] = timestamp.Format(time.RFC3339Nano)
	return body
}

func nullableString(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
