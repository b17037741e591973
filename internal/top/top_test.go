package top

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/health"
	"github.com/zsiec/cadence/internal/ingestion"
	"github.com/zsiec/cadence/internal/ingestion/producer"
)

func fakeDaemon(t *testing.T, healthCode int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingestion.SessionListResponse{
			Sessions: []producer.Info{{ID: "cam1", Resource: "rtsp://a", Working: true}},
			Count:    1,
		})
	})
	mux.HandleFunc("/api/v1/sessions/cam1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingestion.Stats{Node: "n1", Sessions: 1, Working: 1})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := health.StatusOK
		if healthCode != http.StatusOK {
			status = health.StatusDown
		}
		w.WriteHeader(healthCode)
		_ = json.NewEncoder(w).Encode(health.Response{Status: status})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Fetch(t *testing.T) {
	srv := fakeDaemon(t, http.StatusOK)
	c := NewClient(srv.URL+"/", nil)

	snap, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StatusOK, snap.Health)
	assert.Equal(t, "n1", snap.Stats.Node)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "cam1", snap.Sessions[0].ID)

	assert.NoError(t, c.Delete(context.Background(), "cam1"))
	assert.Error(t, c.Delete(context.Background(), "other"))
}

func TestClient_FetchDownDaemon(t *testing.T) {
	srv := fakeDaemon(t, http.StatusServiceUnavailable)
	snap, err := NewClient(srv.URL, nil).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StatusDown, snap.Health)
}

func TestClient_FetchUnreachable(t *testing.T) {
	srv := fakeDaemon(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, nil).Fetch(context.Background())
	assert.Error(t, err)
}

type stubFetcher struct {
	snap    *Snapshot
	err     error
	deleted []string
}

func (s *stubFetcher) Fetch(context.Context) (*Snapshot, error) { return s.snap, s.err }

func (s *stubFetcher) Delete(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		Health: health.StatusDegraded,
		Stats:  ingestion.Stats{Node: "n1", Sessions: 2, Working: 1, Failed: 1},
		Sessions: []producer.Info{
			{ID: "a", Resource: "rtsp://a", Working: true, InputFPS: 25, OutputFPS: 25, DriftTempo: 1},
			{ID: "b", Resource: "rtsp://b", Error: "decoder init failed"},
		},
		Latency: 3 * time.Millisecond,
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func run(m *Model, cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	if msg := cmd(); msg != nil {
		m.Update(msg)
	}
}

func TestModel_View(t *testing.T) {
	f := &stubFetcher{snap: testSnapshot()}
	m := NewModel(f, "http://localhost:8080", time.Second)

	assert.Contains(t, m.View(), "waiting for first poll")

	run(m, m.fetch())
	view := m.View()
	assert.Contains(t, view, "DEGRADED")
	assert.Contains(t, view, "rtsp://a")
	assert.Contains(t, view, "failed 1")

	m.Update(key("j"))
	assert.Contains(t, m.View(), "decoder init failed", "error of the selected session is shown")
}

func TestModel_FetchError(t *testing.T) {
	f := &stubFetcher{err: errors.New("connection refused")}
	m := NewModel(f, "x", time.Second)

	run(m, m.fetch())
	assert.Contains(t, m.View(), "connection refused")
}

func TestModel_Selection(t *testing.T) {
	m := NewModel(&stubFetcher{snap: testSnapshot()}, "x", time.Second)
	run(m, m.fetch())

	m.Update(key("k"))
	assert.Equal(t, 0, m.selected)
	m.Update(key("j"))
	m.Update(key("j"))
	assert.Equal(t, 1, m.selected)

	f := m.client.(*stubFetcher)
	f.snap = &Snapshot{Health: health.StatusOK}
	run(m, m.fetch())
	assert.Equal(t, 0, m.selected, "selection clamps to the shorter list")
}

func TestModel_DeleteConfirm(t *testing.T) {
	f := &stubFetcher{snap: testSnapshot()}
	m := NewModel(f, "x", time.Second)
	run(m, m.fetch())

	m.Update(key("x"))
	assert.Contains(t, m.View(), "delete a?")
	_, cmd := m.Update(key("n"))
	assert.Nil(t, cmd)
	assert.Empty(t, f.deleted)

	m.Update(key("x"))
	_, cmd = m.Update(key("y"))
	require.NotNil(t, cmd)
	run(m, cmd)
	assert.Equal(t, []string{"a"}, f.deleted)
	assert.Contains(t, m.View(), "deleted a")
}

func TestModel_Quit(t *testing.T) {
	m := NewModel(&stubFetcher{snap: testSnapshot()}, "x", time.Second)
	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.View())
}
