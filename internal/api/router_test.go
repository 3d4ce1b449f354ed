package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/api/handlers"
	"github.com/leozw/clan-war-guardian/internal/config"
	"github.com/leozw/clan-war-guardian/internal/core"
	"github.com/leozw/clan-war-guardian/internal/db"
	"github.com/leozw/clan-war-guardian/internal/metrics"
	"github.com/leozw/clan-war-guardian/internal/notify"
	"github.com/leozw/clan-war-guardian/internal/registry"
	"github.com/leozw/clan-war-guardian/internal/reminders"
	"github.com/leozw/clan-war-guardian/internal/storage/hybrid"
	"github.com/leozw/clan-war-guardian/internal/storage/jsonfile"
	"github.com/leozw/clan-war-guardian/internal/tenants"
)

const (
	secret  = "test-secret"
	guildA  = "111111111111111111"
	guildB  = "222222222222222222"
	channel = "444444444444444444"
	user    = "333333333333333333"
)

type fakeWars struct{}

func (fakeWars) Fetch(_ context.Context, m *core.ClanMonitor) (*core.WarSnapshot, error) {
	if m.ClanTag == "#9QQ" {
		return nil, core.ErrTransientFetch
	}
	return &core.WarSnapshot{
		GuildID:      m.GuildID,
		ClanTag:      m.ClanTag,
		Mode:         core.ModeNormal,
		Phase:        core.PhaseInWar,
		Participants: []core.Participant{{Tag: "#PP8", Name: "one"}},
	}, nil
}

func (fakeWars) LeagueStandings(context.Context, string) (string, []core.LeagueStanding, error) {
	return "", nil, core.ErrNotFound
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithSecret(t, secret)
}

func newTestServerWithSecret(t *testing.T, jwtSecret string) *Server {
	t.Helper()
	logger := zap.NewNop()

	primary, err := jsonfile.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	fallback, err := jsonfile.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	collector := metrics.NewCollector(config.MimirConfig{}, logger)
	store := hybrid.New(primary, fallback, logger, hybrid.Options{Observer: collector})
	repo := db.NewRepository(store, logger)
	rem := reminders.NewService(repo, notify.NewLogSink(logger), logger, collector)
	svc := tenants.NewService(repo, registry.NewService(repo, logger), fakeWars{}, rem, nil, nil, logger)

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "test"},
		Auth:   config.AuthConfig{JWTSecret: jwtSecret},
	}
	return NewServer(cfg, handlers.NewHandler(svc, store, collector, logger), logger)
}

func token(t *testing.T, method jwt.SigningMethod, key interface{}, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, s *Server, guildID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if guildID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, jwt.SigningMethodHS256, []byte(secret), guildID))
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHealthReadyAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, "", http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"storage":"healthy"`)

	w = do(t, s, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "", http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, jwt.SigningMethodHS256, []byte("other"), guildA))
	w = httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, jwt.SigningMethodHS512, []byte(secret), guildA))
	w = httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, "not-a-guild", http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, guildA, http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEmptySecretRejectsEveryToken(t *testing.T) {
	s := newTestServerWithSecret(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, jwt.SigningMethodHS256, []byte(""), guildA))
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, guildA, http.MethodGet, "/api/v1/config", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMonitorLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, guildA, http.MethodPost, "/api/v1/monitors", object{"clan_tag": "#2PP"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = do(t, s, guildA, http.MethodPut, "/api/v1/channels", object{"reminder_channel_id": channel})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, guildA, http.MethodPost, "/api/v1/monitors", object{"clan_tag": "#2PP", "name": "Home"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, guildA, http.MethodPost, "/api/v1/monitors", object{"clan_tag": "2pp"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, guildA, http.MethodPost, "/api/v1/monitors", object{"clan_tag": "#ABC"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, guildA, http.MethodGet, "/api/v1/monitors/2PP/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"phase":"IN_WAR"`)

	w = do(t, s, guildA, http.MethodGet, "/api/v1/monitors/2PP/unlinked", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(t, s, guildA, http.MethodGet, "/api/v1/monitors/2PP/standings", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, guildA, http.MethodPost, "/api/v1/monitors/2PP/prep-notifiers", object{"user_id": user})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, guildA, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg tenants.GuildConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 1, cfg.Stats.MonitorCount)
	assert.Equal(t, 1, cfg.Stats.PrepNotifierCount)

	w = do(t, s, guildA, http.MethodDelete, "/api/v1/monitors/2PP/prep-notifiers/"+user, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, guildA, http.MethodDelete, "/api/v1/monitors/2PP", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, guildA, http.MethodDelete, "/api/v1/monitors/2PP", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOwnershipConflictReportsOwner(t *testing.T) {
	s := newTestServer(t)

	for _, g := range []string{guildA, guildB} {
		w := do(t, s, g, http.MethodPut, "/api/v1/channels", object{"reminder_channel_id": channel})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := do(t, s, guildA, http.MethodPost, "/api/v1/monitors", object{"clan_tag": "#2PP"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, guildB, http.MethodPost, "/api/v1/monitors", object{"clan_tag": "#2PP"})
	require.Equal(t, http.StatusConflict, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, guildA, body["owner"])
}

func TestCapacityAndProviderErrors(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, guildA, http.MethodPut, "/api/v1/channels", object{"reminder_channel_id": channel})
	require.Equal(t, http.StatusOK, w.Code)

	for _, tag := range []string{"#2PP", "#8YY", "#9QQ", "#LLL"} {
		w = do(t, s, guildA, http.MethodPost, "/api/v1/monitors", object{"clan_tag": tag})
		require.Equal(t, http.StatusCreated, w.Code, tag)
	}

	w = do(t, s, guildA, http.MethodPost, "/api/v1/monitors", object{"clan_tag": "#RRR"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, s, guildA, http.MethodGet, "/api/v1/monitors/9QQ/status", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAccountLinks(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, guildA, http.MethodPost, "/api/v1/links", object{"user_id": user, "player_tag": "#PP8"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, guildA, http.MethodPost, "/api/v1/links", object{"user_id": user, "player_tag": "pp8"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, guildA, http.MethodDelete, "/api/v1/links/"+user+"/PP8", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, guildA, http.MethodDelete, "/api/v1/links/"+user+"/PP8", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, guildA, http.MethodPost, "/api/v1/links", object{"user_id": user})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "PlayerTag"))
}

// object is a JSON request body.
type object map[string]string
