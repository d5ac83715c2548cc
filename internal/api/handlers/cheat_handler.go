package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/peerbanhelper/backend/internal/api/middleware"
	"github.com/peerbanhelper/backend/internal/cheat"
	"github.com/peerbanhelper/backend/internal/models"
)

// CheatController is the operator-facing side of the progress-cheat detector.
type CheatController interface {
	Unban(ctx context.Context, address, torrentID string) error
	ForgetTorrent(ctx context.Context, torrentID string) (int64, error)
}

type CheatHandler struct {
	store    cheat.Store
	detector CheatController
}

// NewCheatHandler wires the handler. Both arguments are nil when progress
// cheat detection is disabled.
func NewCheatHandler(store cheat.Store, detector CheatController) *CheatHandler {
	return &CheatHandler{store: store, detector: detector}
}

func (h *CheatHandler) disabled(c *gin.Context) bool {
	if h.store == nil || h.detector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "progress cheat detection is disabled"})
		return true
	}
	return false
}

// ListRecords returns tracked peers, optionally filtered by a torrent id and
// a comma separated state list.
func (h *CheatHandler) ListRecords(c *gin.Context) {
	if h.disabled(c) {
		return
	}
	ctx := c.Request.Context()

	states, err := parseStates(c.Query("state"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var recs []models.CheatRecord
	switch torrent := c.Query("torrent_id"); {
	case torrent != "":
		recs, err = h.store.ListByTorrent(ctx, torrent)
		if err == nil && len(states) > 0 {
			recs = filterByState(recs, states)
		}
	case len(states) > 0:
		recs, err = h.store.ListByState(ctx, states...)
	default:
		recs, err = h.store.LoadAll(ctx)
	}
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("Failed to list cheat records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list cheat records"})
		return
	}
	if recs == nil {
		recs = []models.CheatRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func parseStates(raw string) ([]models.CheatState, error) {
	if raw == "" {
		return nil, nil
	}
	var states []models.CheatState
	for _, s := range strings.Split(raw, ",") {
		st := models.CheatState(strings.ToUpper(strings.TrimSpace(s)))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown state %q", s)
		}
		states = append(states, st)
	}
	return states, nil
}

func filterByState(recs []models.CheatRecord, states []models.CheatState) []models.CheatRecord {
	out := recs[:0]
	for _, r := range recs {
		if slices.Contains(states, r.State) {
			out = append(out, r)
		}
	}
	return out
}

// ForgetTorrent drops all detector state for a torrent that is no longer
// being seeded.
func (h *CheatHandler) ForgetTorrent(c *gin.Context) {
	if h.disabled(c) {
		return
	}
	n, err := h.detector.ForgetTorrent(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("Failed to forget torrent")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to forget torrent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"forgotten": n})
}

func isNotFound(err error) bool {
	return errors.Is(err, cheat.ErrRecordNotFound)
}
