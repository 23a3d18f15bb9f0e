package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/activation"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/invite"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/metrics"
	"github.com/gin-gonic/gin"
)

const (
	activationKindNew     = "new"
	activationKindStacked = "stacked"
)

type activateRequest struct {
	DeviceID string `json:"deviceId"`
	Code     string `json:"code"`
}

type inviteGenerateRequest struct {
	DeviceID string `json:"deviceId"`
}

type inviteUseRequest struct {
	DeviceID string `json:"deviceId"`
	Code     string `json:"code"`
}

func (h *httpHandler) handleActivate(c *gin.Context) {
	var payload activateRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	deviceID, err := devices.NewID(payload.DeviceID)
	if err != nil {
		h.respondError(c, "activation rejected", err)
		return
	}
	if activation.NormalizeCode(payload.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
		return
	}

	result, err := h.activation.Redeem(c.Request.Context(), activation.RedeemRequest{
		DeviceID:  deviceID,
		Code:      payload.Code,
		IPAddress: devices.ClientIP(c.Request, c.ClientIP()),
	})
	if err != nil {
		h.respondError(c, "activation failed", err)
		return
	}
	kind := activationKindStacked
	if result.IsNewActivation {
		kind = activationKindNew
	}
	h.metrics.ObserveActivation(kind)
	h.realtime.PublishBalance(deviceID, result.Balance)

	body := balanceFields(result.Balance)
	body["code"] = result.Code
	body["type"] = result.Type
	body["creditsAdded"] = result.CreditsAdded
	body["remainingCount"] = result.RemainingCount
	body["totalRemainingCount"] = result.TotalRemainingCount
	body["isNewActivation"] = result.IsNewActivation
	c.JSON(http.StatusOK, body)
}

func (h *httpHandler) handleInviteGenerate(c *gin.Context) {
	var payload inviteGenerateRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	fallbackIP := c.ClientIP()
	identity, err := h.devices.Resolve(c.Request.Context(), payload.DeviceID, devices.MetadataFromRequest(c.Request, fallbackIP))
	if err != nil {
		h.respondError(c, "invite generate rejected", err)
		return
	}
	code, err := h.invites.Generate(c.Request.Context(), invite.GenerateRequest{
		DeviceID:  identity.DeviceID,
		IPAddress: identity.IPAddress,
	})
	if err != nil {
		h.respondError(c, "invite generate failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code.Code})
}

func (h *httpHandler) handleInviteUse(c *gin.Context) {
	var payload inviteUseRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if invite.NormalizeCode(payload.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
		return
	}
	ctx := c.Request.Context()
	identity, err := h.devices.Resolve(ctx, payload.DeviceID, devices.MetadataFromRequest(c.Request, c.ClientIP()))
	if err != nil {
		h.respondError(c, "invite use rejected", err)
		return
	}

	result, err := h.invites.Redeem(ctx, invite.RedeemRequest{
		DeviceID:    identity.DeviceID,
		Code:        payload.Code,
		Fingerprint: identity.Fingerprint,
		IPAddress:   identity.IPAddress,
	})
	if err != nil {
		h.metrics.ObserveInvite(inviteOutcome(err))
		h.respondError(c, "invite use failed", err)
		return
	}
	h.metrics.ObserveInvite(metrics.OutcomeSuccess)
	h.realtime.PublishBalance(identity.DeviceID, result.Balance)
	if result.CreatorRewarded {
		h.realtime.PublishBalance(result.CreatorDeviceID, result.CreatorBalance)
	}

	body := balanceFields(result.Balance)
	body["code"] = result.Code
	body["rewardCount"] = result.RewardCount
	c.JSON(http.StatusOK, body)
}

func inviteOutcome(err error) string {
	switch {
	case errors.Is(err, invite.ErrCodeNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, invite.ErrSelfInvite):
		return metrics.OutcomeSelfInvite
	case errors.Is(err, invite.ErrFingerprintCollision):
		return metrics.OutcomeCollision
	case errors.Is(err, invite.ErrAlreadyUsed):
		return metrics.OutcomeUsed
	default:
		return metrics.OutcomeFailed
	}
}
