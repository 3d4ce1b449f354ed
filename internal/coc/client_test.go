package coc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/core"
)

const warPayload = `{
  "state": "inWar",
  "teamSize": 15,
  "attacksPerMember": 2,
  "preparationStartTime": "20240301T100000.000Z",
  "startTime": "20240302T100000.000Z",
  "endTime": "20240303T100000.000Z",
  "clan": {
    "tag": "#2PP",
    "name": "Home",
    "stars": 20,
    "destructionPercentage": 65.5,
    "members": [
      {"tag": "#P1", "name": "one", "mapPosition": 1, "attacks": [{"attackerTag": "#P1", "defenderTag": "#Q1", "stars": 3, "destructionPercentage": 100, "order": 1}]},
      {"tag": "#P2", "name": "two", "mapPosition": 2}
    ]
  },
  "opponent": {"tag": "#9QQ", "name": "Away", "stars": 18}
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		BaseURL:       srv.URL,
		Token:         "secret",
		Timeout:       time.Second,
		RatePerSecond: 1000,
		MaxRetries:    2,
		Backoff:       time.Millisecond,
	}, zap.NewNop())
}

func TestCurrentWar(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/clans/%232PP/currentwar", r.RequestURI)
		w.Write([]byte(warPayload))
	})

	war, err := c.CurrentWar(context.Background(), "#2PP")
	require.NoError(t, err)

	assert.Equal(t, "inWar", war.State)
	assert.Equal(t, time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC), war.EndTime.Time)
	require.Len(t, war.Clan.Members, 2)
	assert.Len(t, war.Clan.Members[0].Attacks, 1)
	assert.Empty(t, war.Clan.Members[1].Attacks)

	own, opp, ok := war.Side("#9QQ")
	require.True(t, ok)
	assert.Equal(t, "Away", own.Name)
	assert.Equal(t, "Home", opp.Name)
}

func TestNotFoundStatuses(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := c.LeagueGroup(context.Background(), "#2PP")
		assert.ErrorIs(t, err, ErrNotFound, "status %d", status)
	}
}

func TestRetriesRateLimitedRequests(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"state":"preparation","season":"2024-03","rounds":[{"warTags":["#0"]}]}`))
	})

	group, err := c.LeagueGroup(context.Background(), "#2PP")
	require.NoError(t, err)
	assert.Equal(t, "preparation", group.State)
	assert.Empty(t, group.Rounds[0].ScheduledWarTags())
	assert.EqualValues(t, 3, calls.Load())
}

func TestPersistentServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.LeagueWar(context.Background(), "#8ABC")
	assert.ErrorIs(t, err, core.ErrTransientFetch)
	assert.EqualValues(t, 3, calls.Load())
}

func TestMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state": "inWar", "endTime": "yesterday"}`))
	})

	_, err := c.CurrentWar(context.Background(), "#2PP")
	assert.ErrorIs(t, err, core.ErrMalformedResponse)
	assert.True(t, core.IsFetchFailure(err))
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond, RatePerSecond: 1000, Backoff: time.Millisecond}, zap.NewNop())

	_, err := c.CurrentWar(context.Background(), "#2PP")
	assert.ErrorIs(t, err, core.ErrTransientFetch)
}
