package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/entl/backend/internal/activation"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/entl/backend/internal/stats"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type adminLoginRequest struct {
	Password string `json:"password"`
}

type createCodesRequest struct {
	Type         string `json:"type"`
	InitialCount int64  `json:"initialCount"`
	Count        int    `json:"count"`
}

type createOrderRequest struct {
	ExternalOrderID    string `json:"externalOrderId"`
	CustomerEmail      string `json:"customerEmail"`
	CustomerName       string `json:"customerName"`
	ProductName        string `json:"productName"`
	AmountCents        int64  `json:"amountCents"`
	Currency           string `json:"currency"`
	PurchasedAtSeconds int64  `json:"purchasedAt"`
	Notes              string `json:"notes"`
}

type updateOrderRequest struct {
	Status *string `json:"status"`
	Notes  *string `json:"notes"`
}

type fulfillOrderRequest struct {
	ActivationCode string `json:"activationCode"`
	InitialCount   int64  `json:"initialCount"`
}

func (h *httpHandler) handleAdminLogin(c *gin.Context) {
	var payload adminLoginRequest
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_password"})
		return
	}
	if err := h.passwords.Verify(payload.Password); err != nil {
		h.logger.Warn("admin login rejected", zap.String("ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_password"})
		return
	}
	token, expiresIn, err := h.tokens.IssueAdminToken(c.Request.Context())
	if err != nil {
		h.respondError(c, "admin token issue failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresIn": expiresIn})
}

func (h *httpHandler) handleAdminAuth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"valid": true, "subject": c.GetString(adminSubjectContextKey)})
}

func (h *httpHandler) handleListCodes(c *gin.Context) {
	summaries, err := h.activation.ListCodes(c.Request.Context())
	if err != nil {
		h.respondError(c, "list activation codes failed", err)
		return
	}
	codes := make([]gin.H, 0, len(summaries))
	for _, summary := range summaries {
		body := codePayload(summary.Code)
		body["deviceCount"] = summary.DeviceCount
		body["usageCount"] = summary.UsageCount
		body["remainingCount"] = summary.RemainingCount
		codes = append(codes, body)
	}
	c.JSON(http.StatusOK, gin.H{"codes": codes})
}

func (h *httpHandler) handleCreateCodes(c *gin.Context) {
	var payload createCodesRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	codeType, err := activation.ParseCodeType(payload.Type)
	if err != nil {
		h.respondError(c, "create activation codes rejected", err)
		return
	}
	created, err := h.activation.CreateCodes(c.Request.Context(), activation.CreateRequest{
		Type:         codeType,
		InitialCount: payload.InitialCount,
		Count:        payload.Count,
	})
	if err != nil {
		h.respondError(c, "create activation codes failed", err)
		return
	}
	codes := make([]gin.H, 0, len(created))
	for _, code := range created {
		codes = append(codes, codePayload(code))
	}
	c.JSON(http.StatusCreated, gin.H{"codes": codes})
}

func (h *httpHandler) handleDeleteCode(c *gin.Context) {
	raw := c.Query("code")
	if strings.TrimSpace(raw) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
		return
	}
	if err := h.activation.DeleteCode(c.Request.Context(), raw); err != nil {
		h.respondError(c, "delete activation code failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": activation.NormalizeCode(raw)})
}

func codePayload(code activation.Code) gin.H {
	return gin.H{
		"code":         code.Code,
		"type":         code.Type,
		"initialCount": code.InitialCount,
		"createdAt":    code.CreatedAtSeconds,
	}
}

func (h *httpHandler) handleStats(c *gin.Context) {
	snapshot, err := h.stats.Collect(c.Request.Context())
	if err != nil {
		h.respondError(c, "collect stats failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"usage": gin.H{
			"total":     snapshot.TotalUsage,
			"devices":   snapshot.TotalDevices,
			"last7Days": snapshot.UsageLast7Days,
		},
		"activationCodes": gin.H{
			"total": snapshot.ActivationTotal,
			"free":  snapshot.ActivationFree,
			"paid":  snapshot.ActivationPaid,
			"top":   codeUsagePayload(snapshot.TopActivationCodes),
		},
		"inviteCodes": gin.H{
			"total":     snapshot.InviteTotal,
			"totalUsed": snapshot.InviteTotalUsed,
			"top":       codeUsagePayload(snapshot.TopInviteCodes),
		},
		"orders": gin.H{
			"pending": snapshot.PendingOrders,
		},
	})
}

func codeUsagePayload(rows []stats.CodeUsage) []gin.H {
	payload := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, gin.H{
			"code":        row.Code,
			"usageCount":  row.UsageCount,
			"deviceCount": row.DeviceCount,
		})
	}
	return payload
}

func (h *httpHandler) handleListOrders(c *gin.Context) {
	var status orders.Status
	if raw := c.Query("status"); raw != "" {
		parsed, err := orders.ParseStatus(raw)
		if err != nil {
			h.respondError(c, "list orders rejected", err)
			return
		}
		status = parsed
	}
	list, err := h.orders.List(c.Request.Context(), status)
	if err != nil {
		h.respondError(c, "list orders failed", err)
		return
	}
	payload := make([]gin.H, 0, len(list))
	for _, order := range list {
		payload = append(payload, orderPayload(order))
	}
	c.JSON(http.StatusOK, gin.H{"orders": payload})
}

func (h *httpHandler) handleCreateOrder(c *gin.Context) {
	var payload createOrderRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	order, err := h.orders.Create(c.Request.Context(), orders.CreateRequest{
		ExternalOrderID:    payload.ExternalOrderID,
		CustomerEmail:      payload.CustomerEmail,
		CustomerName:       payload.CustomerName,
		ProductName:        payload.ProductName,
		AmountCents:        payload.AmountCents,
		Currency:           payload.Currency,
		PurchasedAtSeconds: payload.PurchasedAtSeconds,
		Notes:              payload.Notes,
	})
	if err != nil {
		h.respondError(c, "create order failed", err)
		return
	}
	c.JSON(http.StatusCreated, orderPayload(order))
}

func (h *httpHandler) handleUpdateOrder(c *gin.Context) {
	var payload updateOrderRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	request := orders.UpdateRequest{Notes: payload.Notes}
	if payload.Status != nil {
		status, err := orders.ParseStatus(*payload.Status)
		if err != nil {
			h.respondError(c, "update order rejected", err)
			return
		}
		request.Status = &status
	}
	order, err := h.orders.Update(c.Request.Context(), c.Param("id"), request)
	if err != nil {
		h.respondError(c, "update order failed", err)
		return
	}
	c.JSON(http.StatusOK, orderPayload(order))
}

func (h *httpHandler) handleFulfillOrder(c *gin.Context) {
	var payload fulfillOrderRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	order, err := h.orders.Fulfill(c.Request.Context(), c.Param("id"), orders.FulfillRequest{
		ActivationCode: payload.ActivationCode,
		InitialCount:   payload.InitialCount,
	})
	if err != nil {
		h.respondError(c, "fulfill order failed", err)
		return
	}
	c.JSON(http.StatusOK, orderPayload(order))
}

func (h *httpHandler) handleDeleteOrder(c *gin.Context) {
	if err := h.orders.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "delete order failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func orderPayload(order orders.Order) gin.H {
	return gin.H{
		"id":              order.ID,
		"externalOrderId": order.ExternalOrderID,
		"customerEmail":   order.CustomerEmail,
		"customerName":    order.CustomerName,
		"productName":     order.ProductName,
		"amountCents":     order.AmountCents,
		"currency":        order.Currency,
		"purchasedAt":     order.PurchasedAtSeconds,
		"status":          order.Status,
		"activationCode":  nullableString(order.ActivationCode),
		"notes":           order.Notes,
		"createdAt":       order.CreatedAtSeconds,
		"updatedAt":       order.UpdatedAtSeconds,
		"completedAt":     order.CompletedAtSeconds,
	}
}
