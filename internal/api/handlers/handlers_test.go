package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbanhelper/backend/internal/api/handlers"
	"github.com/peerbanhelper/backend/internal/config"
	"github.com/peerbanhelper/backend/internal/database"
	"github.com/peerbanhelper/backend/internal/engine"
	"github.com/peerbanhelper/backend/internal/models"
	"github.com/peerbanhelper/backend/internal/rules"
	"github.com/peerbanhelper/backend/internal/rulesync"
	"github.com/peerbanhelper/backend/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupEngine(t *testing.T, detector bool) *engine.Engine {
	t.Helper()
	db, err := database.Connect("file::memory:")
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.RuleSync.Enabled = false
	cfg.Alerts.PushEnabled = false
	cfg.Detector.Enabled = detector
	e, err := engine.New(db, cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func publishRules(t *testing.T, e *engine.Engine, body string) {
	t.Helper()
	doc, err := rules.ParseDocument([]byte(body))
	require.NoError(t, err)
	rs, errs := rules.Compile(doc, rules.CompileOptions{})
	require.Empty(t, errs)
	e.Matcher.Publish(rs)
}

func do(router *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type fakeSync struct {
	status rulesync.Status
	err    error
	calls  int
}

func (f *fakeSync) Status() rulesync.Status { return f.status }

func (f *fakeSync) TriggerNow(ctx context.Context) (rulesync.Status, error) {
	f.calls++
	return f.status, f.err
}

func TestHealthHandler(t *testing.T) {
	router := gin.New()
	router.GET("/health", handlers.HealthHandler)

	w := do(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "PeerBanHelper", body["service"])
}

func TestRulesHandler_StatusAndSync(t *testing.T) {
	e := setupEngine(t, false)
	publishRules(t, e, `{"version":"r7","ip":{"g":["10.0.0.0/8"]},"port":{"p":[6881]}}`)

	sync := &fakeSync{status: rulesync.Status{State: rulesync.StateDegraded, Revision: "r7", Source: rulesync.SourceCache}, err: errors.New("down")}
	h := handlers.NewRulesHandler(sync, e.Matcher)
	router := gin.New()
	router.GET("/rules/status", h.Status)
	router.POST("/rules/sync", h.Sync)

	w := do(router, http.MethodGet, "/rules/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Sync  rulesync.Status `json:"sync"`
		Rules rules.Summary   `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, rulesync.StateDegraded, resp.Sync.State)
	assert.Equal(t, "r7", resp.Rules.Revision)
	assert.Equal(t, 2, resp.Rules.Total)

	w = do(router, http.MethodPost, "/rules/sync", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, sync.calls)
}

func TestRulesHandler_SyncDisabled(t *testing.T) {
	e := setupEngine(t, false)
	h := handlers.NewRulesHandler(nil, e.Matcher)
	router := gin.New()
	router.GET("/rules/status", h.Status)
	router.POST("/rules/sync", h.Sync)

	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodPost, "/rules/sync", "").Code)
	w := do(router, http.MethodGet, "/rules/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"idle"`)
}

func TestRulesHandler_Match(t *testing.T) {
	e := setupEngine(t, false)
	publishRules(t, e, `{"version":"r1","ip":{"bad-net":["10.0.0.0/8"]},"peer_id":{"xl":["-XL"]}}`)
	h := handlers.NewRulesHandler(nil, e.Matcher)
	router := gin.New()
	router.POST("/rules/match", h.Match)

	w := do(router, http.MethodPost, "/rules/match", `{"address":"10.1.2.3","peer_id":"-qB4650-"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res rules.MatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Matched)
	assert.Equal(t, rules.DimensionIP, res.Dimension)
	assert.Equal(t, "bad-net", res.Group)

	w = do(router, http.MethodPost, "/rules/match", `{"address":"192.0.2.1","peer_id":"-xl0012-"}`)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, rules.DimensionPeerID, res.Dimension)

	w = do(router, http.MethodPost, "/rules/match", `{"address":"192.0.2.1","peer_id":"-qB4650-"}`)
	res = rules.MatchResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Matched)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/rules/match", `{"peer_id":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/rules/match", `{"address":"nope"}`).Code)
}

func TestObservationHandler_SingleAndBatch(t *testing.T) {
	e := setupEngine(t, true)
	publishRules(t, e, `{"version":"r1","client_name":{"bad":["Xunlei"]}}`)
	h := handlers.NewObservationHandler(e.Observations)
	router := gin.New()
	router.POST("/observations", h.Submit)

	w := do(router, http.MethodPost, "/observations",
		`{"downloader":"qb","torrent_id":"t1","torrent_size":104857600,"address":"203.0.113.5","client_name":"Xunlei 0.0.1","progress":0.2}`)
	require.Equal(t, http.StatusOK, w.Code)
	var single services.ObservationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &single))
	assert.True(t, single.Banned)
	assert.Equal(t, rules.DimensionClientName, single.RuleMatch.Dimension)
	assert.Equal(t, models.CheatStateClean, single.State)

	w = do(router, http.MethodPost, "/observations", `[
		{"downloader":"qb","torrent_id":"t1","address":"198.51.100.1","client_name":"qBittorrent/4.6.2","progress":0.5},
		{"downloader":"qb","torrent_id":"t1","address":"not-an-ip","progress":0.5}
	]`)
	require.Equal(t, http.StatusOK, w.Code)
	var batch []services.ObservationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	require.Len(t, batch, 2)
	assert.False(t, batch[0].Banned)
	assert.Empty(t, batch[0].Error)
	assert.NotEmpty(t, batch[1].Error)

	w = do(router, http.MethodPost, "/observations", `{"downloader":"qb","torrent_id":"t1","address":"bogus"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestObservationHandler_RejectsMalformed(t *testing.T) {
	e := setupEngine(t, false)
	h := handlers.NewObservationHandler(e.Observations)
	router := gin.New()
	router.POST("/observations", h.Submit)

	for name, body := range map[string]string{
		"empty":            " ",
		"not json":         "{",
		"empty batch":      "[]",
		"missing torrent":  `{"downloader":"qb","address":"192.0.2.1"}`,
		"missing in batch": `[{"downloader":"qb","torrent_id":"t","address":"192.0.2.1"},{"torrent_id":"t","address":"192.0.2.2"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/observations", bytes.NewBufferString(body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

// rewind reports three consecutive progress rewinds for a peer, enough to
// reach the ban threshold.
func rewind(t *testing.T, e *engine.Engine, address, torrent string) {
	t.Helper()
	ctx := context.Background()
	at := time.Now().UTC()
	progress := []float64{0.9, 0.8, 0.7, 0.6}
	for i, p := range progress {
		_, err := e.Observations.Observe(ctx, services.Observation{
			DownloaderID: "qb",
			TorrentID:    torrent,
			TorrentSize:  1 << 30,
			Address:      address,
			Progress:     p,
			ObservedAt:   at.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func TestCheatHandler_ListRecords(t *testing.T) {
	e := setupEngine(t, true)
	rewind(t, e, "203.0.113.9", "t1")
	_, err := e.Observations.Observe(context.Background(), services.Observation{
		DownloaderID: "qb", TorrentID: "t2", TorrentSize: 1 << 30, Address: "198.51.100.2", Progress: 0.3,
	})
	require.NoError(t, err)

	h := handlers.NewCheatHandler(e.CheatStore, e.Detector)
	router := gin.New()
	router.GET("/cheat/records", h.ListRecords)

	var recs []models.CheatRecord
	w := do(router, http.MethodGet, "/cheat/records", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	assert.Len(t, recs, 2)

	w = do(router, http.MethodGet, "/cheat/records?state=clean", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "198.51.100.2", recs[0].Address)

	w = do(router, http.MethodGet, "/cheat/records?torrent_id=t1&state=CLEAN", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	assert.Empty(t, recs)

	w = do(router, http.MethodGet, "/cheat/records?torrent_id=t1", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.NotEqual(t, models.CheatStateClean, recs[0].State)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/cheat/records?state=WEIRD", "").Code)
}

func TestCheatHandler_Disabled(t *testing.T) {
	h := handlers.NewCheatHandler(nil, nil)
	router := gin.New()
	router.GET("/cheat/records", h.ListRecords)
	router.DELETE("/torrents/:id", h.ForgetTorrent)

	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodGet, "/cheat/records", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodDelete, "/torrents/t1", "").Code)
}

func TestBanHandler_ListAndUnban(t *testing.T) {
	e := setupEngine(t, true)
	ctx := context.Background()
	require.NoError(t, e.Bans.OnBanVerdict(ctx, "203.0.113.9", "t1", "cheat", map[string]any{"source": models.BanSourceProgressCheat}))
	require.NoError(t, e.Bans.OnBanVerdict(ctx, "203.0.113.9", "", "rule", map[string]any{"source": models.BanSourceRule}))
	require.NoError(t, e.Bans.OnBanVerdict(ctx, "198.51.100.4", "t2", "cheat", map[string]any{"source": models.BanSourceProgressCheat}))

	h := handlers.NewBanHandler(e.Bans, e.Detector)
	router := gin.New()
	router.GET("/bans", h.List)
	router.DELETE("/bans", h.Unban)

	var bans []models.BanEntry
	w := do(router, http.MethodGet, "/bans", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bans))
	assert.Len(t, bans, 3)

	w = do(router, http.MethodGet, "/bans?address=203.0.113.9&limit=1", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bans))
	assert.Len(t, bans, 1)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/bans?limit=-1", "").Code)

	w = do(router, http.MethodDelete, "/bans?address=198.51.100.4&torrent_id=t2", "")
	require.Equal(t, http.StatusOK, w.Code)
	banned, err := e.Bans.IsBanned(ctx, "198.51.100.4", "t2")
	require.NoError(t, err)
	assert.False(t, banned)

	w = do(router, http.MethodDelete, "/bans?address=203.0.113.9", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"lifted":2`)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodDelete, "/bans", "").Code)
}

func TestBanHandler_UnbanResetsDetector(t *testing.T) {
	dc := config.DefaultDetectorConfig()
	dc.BanDelay = 0
	detectorEngine := setupEngineWithDetector(t, dc)
	ctx := context.Background()

	rewind(t, detectorEngine, "203.0.113.9", "t1")
	banned, err := detectorEngine.Bans.IsBanned(ctx, "203.0.113.9", "t1")
	require.NoError(t, err)
	require.True(t, banned)

	h := handlers.NewBanHandler(detectorEngine.Bans, detectorEngine.Detector)
	router := gin.New()
	router.DELETE("/bans", h.Unban)

	w := do(router, http.MethodDelete, "/bans?address=203.0.113.9&torrent_id=t1", "")
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := detectorEngine.CheatStore.Load(ctx, "203.0.113.9", "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.CheatStateClean, rec.State)
	banned, err = detectorEngine.Bans.IsBanned(ctx, "203.0.113.9", "t1")
	require.NoError(t, err)
	assert.False(t, banned)
}

func setupEngineWithDetector(t *testing.T, dc config.DetectorConfig) *engine.Engine {
	t.Helper()
	db, err := database.Connect("file::memory:")
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.RuleSync.Enabled = false
	cfg.Alerts.PushEnabled = false
	cfg.Detector = dc
	e, err := engine.New(db, cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestCheatHandler_ForgetTorrent(t *testing.T) {
	dc := config.DefaultDetectorConfig()
	dc.BanDelay = 0
	e := setupEngineWithDetector(t, dc)
	rewind(t, e, "203.0.113.9", "t1")

	h := handlers.NewCheatHandler(e.CheatStore, e.Detector)
	router := gin.New()
	router.DELETE("/torrents/:id", h.ForgetTorrent)

	w := do(router, http.MethodDelete, "/torrents/t1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"forgotten":1`)

	banned, err := e.Bans.IsBanned(context.Background(), "203.0.113.9", "t1")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestAlertHandler(t *testing.T) {
	e := setupEngine(t, false)
	require.NoError(t, e.Alerts.Publish(models.AlertLevelWarn, "btn-rules-network", "Down", "unreachable"))
	require.NoError(t, e.Alerts.Publish(models.AlertLevelError, "btn-rules-parse", "Bad", "corrupt"))

	h := handlers.NewAlertHandler(e.Alerts)
	router := gin.New()
	router.GET("/alerts", h.List)
	router.POST("/alerts/read-all", h.MarkAllAsRead)
	router.POST("/alerts/:identifier/read", h.MarkAsRead)
	router.GET("/alerts/providers", h.ListProviders)
	router.POST("/alerts/providers", h.CreateProvider)
	router.DELETE("/alerts/providers/:id", h.DeleteProvider)

	var resp struct {
		Alerts  []models.Alert    `json:"alerts"`
		Highest models.AlertLevel `json:"highest_unread_level"`
	}
	w := do(router, http.MethodGet, "/alerts?unread=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Alerts, 2)
	assert.Equal(t, models.AlertLevelError, resp.Highest)

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/alerts/btn-rules-parse/read", "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodPost, "/alerts/btn-rules-parse/read", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/alerts/read-all", "").Code)

	resp.Alerts, resp.Highest = nil, ""
	w = do(router, http.MethodGet, "/alerts?unread=true", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Alerts)
	assert.Empty(t, resp.Highest)

	w = do(router, http.MethodPost, "/alerts/providers", `{"name":"ops","type":"discord","url":"discord://token@channel","enabled":true}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var provider models.AlertProvider
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &provider))
	assert.NotEmpty(t, provider.ID)
	assert.Equal(t, models.AlertLevelWarn, provider.MinLevel)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/alerts/providers", `{"name":"empty"}`).Code)

	w = do(router, http.MethodGet, "/alerts/providers", "")
	var providers []models.AlertProvider
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &providers))
	assert.Len(t, providers, 1)

	assert.Equal(t, http.StatusOK, do(router, http.MethodDelete, "/alerts/providers/"+provider.ID, "").Code)
}
