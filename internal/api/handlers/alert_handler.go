package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peerbanhelper/backend/internal/models"
	"github.com/peerbanhelper/backend/internal/services"
)

type AlertHandler struct {
	service *services.AlertService
}

func NewAlertHandler(service *services.AlertService) *AlertHandler {
	return &AlertHandler{service: service}
}

func (h *AlertHandler) List(c *gin.Context) {
	unreadOnly := c.Query("unread") == "true"
	alerts, err := h.service.List(unreadOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	level, ok, err := h.service.HighestUnreadLevel()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	resp := gin.H{"alerts": alerts}
	if ok {
		resp["highest_unread_level"] = level
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AlertHandler) MarkAsRead(c *gin.Context) {
	err := h.service.MarkAsRead(c.Param("identifier"))
	if errors.Is(err, services.ErrAlertNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No unread alert with that identifier"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark alert as read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Alert marked as read"})
}

func (h *AlertHandler) MarkAllAsRead(c *gin.Context) {
	if err := h.service.MarkAllAsRead(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark all alerts as read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "All alerts marked as read"})
}

func (h *AlertHandler) ListProviders(c *gin.Context) {
	providers, err := h.service.ListProviders()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list providers"})
		return
	}
	c.JSON(http.StatusOK, providers)
}

func (h *AlertHandler) CreateProvider(c *gin.Context) {
	var provider models.AlertProvider
	if err := c.ShouldBindJSON(&provider); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.CreateProvider(&provider); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, provider)
}

func (h *AlertHandler) DeleteProvider(c *gin.Context) {
	if err := h.service.DeleteProvider(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete provider"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Provider deleted"})
}
