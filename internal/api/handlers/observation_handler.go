package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/peerbanhelper/backend/internal/services"
)

const maxObservationBody = 8 << 20

type ObservationHandler struct {
	service *services.ObservationService
}

func NewObservationHandler(service *services.ObservationService) *ObservationHandler {
	return &ObservationHandler{service: service}
}

// Submit accepts a single observation or an array of them and returns one
// result per observation, in order.
func (h *ObservationHandler) Submit(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxObservationBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read body"})
		return
	}
	batch, single, err := decodeObservations(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := h.service.ObserveBatch(c.Request.Context(), batch)
	if single {
		res := results[0]
		if res.Error != "" {
			c.JSON(http.StatusUnprocessableEntity, res)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusOK, results)
}

func decodeObservations(body []byte) (batch []services.Observation, single bool, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, false, err
		}
		if len(batch) == 0 {
			return nil, false, errors.New("no observations")
		}
	} else {
		var obs services.Observation
		if err := json.Unmarshal(trimmed, &obs); err != nil {
			return nil, false, err
		}
		batch, single = []services.Observation{obs}, true
	}
	for i, obs := range batch {
		if obs.DownloaderID == "" || obs.TorrentID == "" || obs.Address == "" {
			return nil, false, fmt.Errorf("observation %d: downloader, torrent_id and address are required", i)
		}
	}
	return batch, single, nil
}
