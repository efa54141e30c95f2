package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/history"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/pkg/types"
	"github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/api"
	wsHub "github.com/Mjboothaus/duckdb-extensions-analysis-sub000/server/internal/ws"
)

const testInterval = 20 * time.Millisecond

// --- helpers ----------------------------------------------------------------

var t0 = time.Date(2026, 10, 1, 6, 0, 0, 0, time.UTC)

func appendRun(t *testing.T, st history.Store, at time.Time, ids ...string) {
	t.Helper()
	appendModeRun(t, st, types.ModeSecondary, at, ids...)
}

func appendModeRun(t *testing.T, st history.Store, mode types.RunMode, at time.Time, ids ...string) {
	t.Helper()
	snap := types.AnalysisSnapshot{TakenAt: at}
	for _, id := range ids {
		snap.Records = append(snap.Records, types.EntityRecord{
			ID: id, Kind: types.KindSecondary, Status: types.StatusActive, ScoreReasons: []string{},
		})
	}
	if err := st.Append(context.Background(), snap, types.RunInfo{Mode: mode, Total: len(ids)}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

// startHub starts a test HTTP server with the hub as its handler.
// The hub's Run loop is started with a cancellable context.
// Returns the ws:// URL, the hub, and a cancel function.
func startHub(t *testing.T, st history.Store, onRun func(api.RunEvent)) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(st, testInterval, onRun)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one run message from conn with a short deadline.
func readMessage(t *testing.T, conn *websocket.Conn) wsHub.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m wsHub.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ReceivesLatestRun(t *testing.T) {
	st := history.NewMemory()
	appendRun(t, st, t0, "alpha", "beta")
	wsURL, _, _ := startHub(t, st, nil)

	conn := dial(t, wsURL)
	m := readMessage(t, conn)

	if m.Event != "run" {
		t.Errorf("event: got %q, want run", m.Event)
	}
	if m.Data.Run.Total != 2 {
		t.Errorf("run.total: got %d, want 2", m.Data.Run.Total)
	}
	if m.Data.Trend.PreviousTakenAt != nil {
		t.Errorf("trend.previous_taken_at: got %v, want nil", m.Data.Trend.PreviousTakenAt)
	}
}

func TestHub_BroadcastsNewRun(t *testing.T) {
	st := history.NewMemory()
	appendRun(t, st, t0, "alpha")
	events := make(chan api.RunEvent, 4)
	wsURL, _, _ := startHub(t, st, func(ev api.RunEvent) { events <- ev })

	conn := dial(t, wsURL)
	first := readMessage(t, conn)

	appendRun(t, st, t0.Add(time.Hour), "alpha", "gamma")
	second := readMessage(t, conn)

	if second.Data.Run.ID == first.Data.Run.ID {
		t.Fatal("second message repeats the first run")
	}
	if got := second.Data.Trend.NewlySeen; len(got) != 1 || got[0] != "gamma" {
		t.Errorf("newly_seen: got %v, want [gamma]", got)
	}

	// The callback sees each run exactly once.
	for _, want := range []string{first.Data.Run.ID, second.Data.Run.ID} {
		select {
		case ev := <-events:
			if ev.Run.ID != want {
				t.Errorf("callback run: got %s, want %s", ev.Run.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("callback for %s not called", want)
		}
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected extra callback for %s", ev.Run.ID)
	case <-time.After(5 * testInterval):
	}
}

func TestHub_TrendComparesSameMode(t *testing.T) {
	st := history.NewMemory()
	appendModeRun(t, st, types.ModePrimary, t0, "json", "parquet")
	wsURL, _, _ := startHub(t, st, nil)

	conn := dial(t, wsURL)
	readMessage(t, conn)

	appendModeRun(t, st, types.ModeSecondary, t0.Add(time.Hour), "h3")
	m := readMessage(t, conn)
	if m.Data.Trend.PreviousTakenAt != nil {
		t.Errorf("previous_taken_at: got %v, want nil", m.Data.Trend.PreviousTakenAt)
	}
	if len(m.Data.Trend.Disappeared) != 0 {
		t.Errorf("disappeared: got %v, want none", m.Data.Trend.Disappeared)
	}
}

func TestHub_EmptyStore_NoMessage(t *testing.T) {
	wsURL, hub, _ := startHub(t, history.NewMemory(), nil)
	conn := dial(t, wsURL)
	waitFor(t, "client registration", func() bool { return hub.Count() == 1 })

	conn.SetReadDeadline(time.Now().Add(5 * testInterval))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("got a message from an empty history")
	}
}

func TestHub_CountClients_MultipleClients(t *testing.T) {
	wsURL, hub, _ := startHub(t, history.NewMemory(), nil)

	for i := 0; i < 3; i++ {
		dial(t, wsURL)
	}
	waitFor(t, "three clients", func() bool { return hub.Count() == 3 })
}

func TestHub_CountClients_DecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t, history.NewMemory(), nil)

	conn := dial(t, wsURL)
	waitFor(t, "client registration", func() bool { return hub.Count() == 1 })

	conn.Close()
	waitFor(t, "client removal", func() bool { return hub.Count() == 0 })
}

func TestHub_AllClientsReceiveBroadcast(t *testing.T) {
	st := history.NewMemory()
	wsURL, hub, _ := startHub(t, st, nil)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
	}
	waitFor(t, "three clients", func() bool { return hub.Count() == 3 })

	appendRun(t, st, t0, "src")
	for i, conn := range conns {
		if m := readMessage(t, conn); m.Event != "run" {
			t.Errorf("client %d: event: got %q, want run", i, m.Event)
		}
	}
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t, history.NewMemory(), nil)

	dial(t, wsURL)
	waitFor(t, "client registration", func() bool { return hub.Count() == 1 })

	cancel() // signal shutdown
	waitFor(t, "shutdown", func() bool { return hub.Count() == 0 })
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(history.NewMemory(), testInterval, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	// Plain HTTP GET without WebSocket upgrade headers: 400
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
