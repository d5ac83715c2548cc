package handlers

import (
	"net/http"
	"net/netip"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peerbanhelper/backend/internal/api/middleware"
	"github.com/peerbanhelper/backend/internal/models"
	"github.com/peerbanhelper/backend/internal/services"
)

type BanHandler struct {
	bans     *services.BanListService
	detector CheatController
}

// NewBanHandler wires the handler. detector is nil when progress cheat
// detection is disabled.
func NewBanHandler(bans *services.BanListService, detector CheatController) *BanHandler {
	return &BanHandler{bans: bans, detector: detector}
}

func (h *BanHandler) List(c *gin.Context) {
	f := services.BanFilter{
		Address:   c.Query("address"),
		TorrentID: c.Query("torrent_id"),
		Source:    c.Query("source"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	bans, err := h.bans.List(c.Request.Context(), f)
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("Failed to list bans")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list bans"})
		return
	}
	if bans == nil {
		bans = []models.BanEntry{}
	}
	c.JSON(http.StatusOK, bans)
}

// Unban lifts a ban. With torrent_id only that pair is unbanned and its
// detector record is reset to CLEAN; without it every ban of the address is
// lifted.
func (h *BanHandler) Unban(c *gin.Context) {
	ctx := c.Request.Context()
	raw := c.Query("address")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required and must be an IP"})
		return
	}
	address := addr.Unmap().WithZone("").String()
	log := middleware.GetRequestLogger(c).WithField("address", address)

	torrent, scoped := c.GetQuery("torrent_id")
	if scoped {
		if h.detector != nil && torrent != "" {
			if err := h.detector.Unban(ctx, address, torrent); err != nil && !isNotFound(err) {
				log.WithError(err).Error("Failed to reset cheat record")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unban"})
				return
			}
		}
		if err := h.bans.OnUnban(ctx, address, torrent); err != nil {
			log.WithError(err).Error("Failed to lift ban")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unban"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Ban lifted"})
		return
	}

	if h.detector != nil {
		entries, err := h.bans.List(ctx, services.BanFilter{Address: address})
		if err != nil {
			log.WithError(err).Error("Failed to list bans")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unban"})
			return
		}
		for _, e := range entries {
			if e.TorrentID == "" {
				continue
			}
			if err := h.detector.Unban(ctx, address, e.TorrentID); err != nil && !isNotFound(err) {
				log.WithError(err).WithField("torrent", e.TorrentID).Warn("Failed to reset cheat record")
			}
		}
	}
	n, err := h.bans.UnbanAddress(ctx, address)
	if err != nil {
		log.WithError(err).Error("Failed to lift bans")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unban"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Bans lifted", "lifted": n})
}
