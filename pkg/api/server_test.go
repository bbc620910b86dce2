package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/lifeguard/pkg/config"
	"github.com/meftunca/lifeguard/pkg/detector"
	"github.com/meftunca/lifeguard/pkg/types"
)

// fakeDetector records control calls and serves canned snapshots.
type fakeDetector struct {
	snapshot  map[types.NodeAddr]types.Status
	stats     detector.Stats
	monitored []types.Node
	confirmed []types.Node
	events    chan detector.ReachabilityEvent
}

func (f *fakeDetector) MembershipSnapshot() map[types.NodeAddr]types.Status { return f.snapshot }

func (f *fakeDetector) ShellStats() detector.Stats { return f.stats }

func (f *fakeDetector) Monitor(node types.Node) { f.monitored = append(f.monitored, node) }

func (f *fakeDetector) ConfirmDead(node types.Node) { f.confirmed = append(f.confirmed, node) }

func (f *fakeDetector) Subscribe() <-chan detector.ReachabilityEvent { return f.events }

func newTestServer(t *testing.T) (*Server, *fakeDetector) {
	t.Helper()

	local := types.NewNode("127.0.0.1", 7000)
	fake := &fakeDetector{
		snapshot: map[types.NodeAddr]types.Status{
			local.Addr():                    types.Alive(2),
			types.NodeAddr("10.0.0.2:7946"): types.Suspect(1, local),
		},
		stats:  detector.Stats{ProtocolPeriod: 9, Health: 1, Members: map[string]int{"alive": 2}},
		events: make(chan detector.ReachabilityEvent, 1),
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return NewServer(fake, config.DefaultConfig(), logger, nil), fake
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestMembershipEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/v1/membership", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded struct {
		Members map[string]types.Status `json:"members"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Len(t, decoded.Members, 2)
	assert.True(t, decoded.Members["10.0.0.2:7946"].IsSuspect())
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/v1/stats", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var stats detector.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, uint64(9), stats.ProtocolPeriod)
	assert.Equal(t, 1, stats.Health)
}

func TestMonitorEndpoint(t *testing.T) {
	s, fake := newTestServer(t)

	body := bytes.NewBufferString(`{"host":"10.0.0.5","port":7946}`)
	req := httptest.NewRequest("POST", "/v1/monitor", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)

	require.Len(t, fake.monitored, 1)
	assert.Equal(t, "10.0.0.5", fake.monitored[0].Host)
	assert.Equal(t, 7946, fake.monitored[0].Port)
}

func TestMonitorEndpointRejectsBadBody(t *testing.T) {
	s, fake := newTestServer(t)

	for _, payload := range []string{`{}`, `{"host":"x","port":0}`, `not json`} {
		req := httptest.NewRequest("POST", "/v1/monitor", bytes.NewBufferString(payload))
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.App().Test(req)
		require.NoError(t, err)
		assert.Equal(t, 400, resp.StatusCode, "payload %q", payload)
	}
	assert.Empty(t, fake.monitored)
}

func TestConfirmDeadEndpoint(t *testing.T) {
	s, fake := newTestServer(t)

	body := bytes.NewBufferString(`{"host":"10.0.0.2","port":7946}`)
	req := httptest.NewRequest("POST", "/v1/confirm-dead", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
	require.Len(t, fake.confirmed, 1)
	assert.Equal(t, "10.0.0.2", fake.confirmed[0].Host)
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/ws/events", nil))
	require.NoError(t, err)
	assert.Equal(t, 426, resp.StatusCode)
}
