package handlers

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/gin-gonic/gin"

	"github.com/peerbanhelper/backend/internal/api/middleware"
	"github.com/peerbanhelper/backend/internal/rules"
	"github.com/peerbanhelper/backend/internal/rulesync"
)

// SyncController is the part of the rule sync scheduler exposed over HTTP.
type SyncController interface {
	Status() rulesync.Status
	TriggerNow(ctx context.Context) (rulesync.Status, error)
}

// RulesMatcher answers rule queries against the active ruleset.
type RulesMatcher interface {
	Match(attrs rules.PeerAttributes) rules.MatchResult
	Summary() rules.Summary
}

type RulesHandler struct {
	sync    SyncController
	matcher RulesMatcher
}

// NewRulesHandler wires the handler. sync is nil when rule sync is disabled.
func NewRulesHandler(sync SyncController, matcher RulesMatcher) *RulesHandler {
	return &RulesHandler{sync: sync, matcher: matcher}
}

type rulesStatusResponse struct {
	Sync  rulesync.Status `json:"sync"`
	Rules rules.Summary   `json:"rules"`
}

func (h *RulesHandler) Status(c *gin.Context) {
	status := rulesync.Status{State: rulesync.StateIdle, Source: rulesync.SourceNone, Message: "Rule sync disabled"}
	if h.sync != nil {
		status = h.sync.Status()
	}
	c.JSON(http.StatusOK, rulesStatusResponse{Sync: status, Rules: h.matcher.Summary()})
}

// Sync runs a rule update immediately. A failed sync still answers 200 with
// the degraded status; the previous rules stay active.
func (h *RulesHandler) Sync(c *gin.Context) {
	if h.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rule sync is disabled"})
		return
	}
	status, err := h.sync.TriggerNow(c.Request.Context())
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Warn("Manual rule sync failed")
	}
	c.JSON(http.StatusOK, rulesStatusResponse{Sync: status, Rules: h.matcher.Summary()})
}

type matchRequest struct {
	Address     string  `json:"address" binding:"required"`
	Port        uint16  `json:"port"`
	PeerID      string  `json:"peer_id"`
	ClientName  string  `json:"client_name"`
	TorrentID   string  `json:"torrent_id"`
	Progress    float64 `json:"progress"`
	Uploaded    int64   `json:"uploaded"`
	Downloaded  int64   `json:"downloaded"`
	TorrentSize int64   `json:"torrent_size"`
}

// Match evaluates a peer against the active rules without recording a ban.
func (h *RulesHandler) Match(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	addr, err := netip.ParseAddr(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	c.JSON(http.StatusOK, h.matcher.Match(rules.PeerAttributes{
		Address:     addr.Unmap().WithZone(""),
		Port:        req.Port,
		PeerID:      req.PeerID,
		ClientName:  req.ClientName,
		TorrentID:   req.TorrentID,
		Progress:    req.Progress,
		Uploaded:    req.Uploaded,
		Downloaded:  req.Downloaded,
		TorrentSize: req.TorrentSize,
	}))
}
