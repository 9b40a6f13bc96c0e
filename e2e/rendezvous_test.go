// Package e2e drives the fully wired server (config, hub, signaling,
// httpserver) over real TCP sockets, the same assembly cmd/rendezvousd
// performs.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warmlink/rendezvous/internal/config"
	"github.com/warmlink/rendezvous/internal/httpserver"
	"github.com/warmlink/rendezvous/internal/hub"
	"github.com/warmlink/rendezvous/internal/metrics"
	"github.com/warmlink/rendezvous/internal/signaling"
)

func startStack(t *testing.T, cfg config.Config) (baseURL string, m *metrics.Metrics) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m = metrics.New()
	h := hub.New(hub.Config{
		MaxClients:        cfg.MaxClients,
		SweepInterval:     cfg.SweepInterval,
		ClientIdleTimeout: cfg.ClientIdleTimeout,
	}, log, m)

	srv := httpserver.New(cfg, log, httpserver.BuildInfo{Commit: "e2e", BuildTime: "e2e"})
	srv.SetStats(func() (int, int) {
		snap := h.Snapshot()
		return snap.Clients, snap.Waiting
	})
	sig := signaling.NewServer(signaling.Config{
		Hub:                  h,
		Log:                  log,
		Metrics:              m,
		AllowedOrigins:       cfg.AllowedOrigins,
		ClientIdleTimeout:    cfg.ClientIdleTimeout,
		SweepInterval:        cfg.SweepInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		SendQueueSize:        cfg.SendQueueSize,
	})
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go h.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		stopSweep()
		h.Close()
		<-errCh
	})

	return "http://" + ln.Addr().String(), m
}

func e2eConfig() config.Config {
	return config.Config{
		ListenAddr:           "127.0.0.1:0",
		LogFormat:            config.LogFormatText,
		LogLevel:             slog.LevelInfo,
		ShutdownTimeout:      2 * time.Second,
		Mode:                 config.ModeDev,
		SweepInterval:        time.Minute,
		ClientIdleTimeout:    5 * time.Minute,
		MaxMessageBytes:      config.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: 200,
		SendQueueSize:        config.DefaultSendQueueSize,
	}
}

// wsClient is one scripted participant.
type wsClient struct {
	t *testing.T
	c *websocket.Conn
}

func dial(t *testing.T, baseURL string) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &wsClient{t: t, c: c}
}

func (w *wsClient) send(v any) {
	w.t.Helper()
	if err := w.c.WriteJSON(v); err != nil {
		w.t.Fatalf("WriteJSON %v: %v", v, err)
	}
}

func (w *wsClient) next(timeout time.Duration) map[string]any {
	w.t.Helper()
	_ = w.c.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := w.c.ReadMessage()
	if err != nil {
		w.t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		w.t.Fatalf("unmarshal %q: %v", data, err)
	}
	return out
}

// await reads until a frame of the wanted type arrives, skipping the
// user-count broadcasts that ride along with joins and leaves.
func (w *wsClient) await(msgType string, timeout time.Duration) map[string]any {
	w.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			w.t.Fatalf("no %q frame within %v", msgType, timeout)
		}
		msg := w.next(remaining)
		if msg["type"] == msgType {
			return msg
		}
		if msg["type"] != "user-count" {
			w.t.Fatalf("waiting for %q, got %v", msgType, msg)
		}
	}
}

func (w *wsClient) join(id string) {
	w.t.Helper()
	w.send(map[string]any{"type": "join", "userId": id})
	got := w.await("joined", 2*time.Second)
	if got["userId"] != id {
		w.t.Fatalf("joined as %v, want %s", got["userId"], id)
	}
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return out
}

// TestCallSetup walks two clients through the whole call setup exchange:
// join, match, offer/answer/candidate relay, disconnect with partner
// notification, and re-eligibility of the survivor.
func TestCallSetup(t *testing.T) {
	baseURL, _ := startStack(t, e2eConfig())

	alice := dial(t, baseURL)
	bob := dial(t, baseURL)
	alice.join("alice")
	bob.join("bob")

	alice.send(map[string]any{"type": "find-match"})
	alice.await("waiting", 2*time.Second)

	bob.send(map[string]any{"type": "find-match"})
	bobMatch := bob.await("matched", 2*time.Second)
	aliceMatch := alice.await("matched", 2*time.Second)

	if aliceMatch["partnerId"] != "bob" || bobMatch["partnerId"] != "alice" {
		t.Fatalf("partner ids wrong: alice=%v bob=%v", aliceMatch, bobMatch)
	}
	if aliceMatch["matchId"] == "" || aliceMatch["matchId"] != bobMatch["matchId"] {
		t.Fatalf("match ids differ: alice=%v bob=%v", aliceMatch["matchId"], bobMatch["matchId"])
	}
	aliceInit, _ := aliceMatch["isInitiator"].(bool)
	bobInit, _ := bobMatch["isInitiator"].(bool)
	if aliceInit == bobInit {
		t.Fatalf("want exactly one initiator, got alice=%v bob=%v", aliceInit, bobInit)
	}

	status := getJSON(t, baseURL+"/status")
	if status["clients"] != float64(2) || status["waiting"] != float64(0) {
		t.Fatalf("status=%v, want clients=2 waiting=0", status)
	}

	// Signaling payloads pass through untouched apart from the from field.
	alice.send(map[string]any{"type": "offer", "to": "bob", "sdp": "v=0 alice-offer"})
	offer := bob.await("offer", 2*time.Second)
	if offer["from"] != "alice" || offer["sdp"] != "v=0 alice-offer" {
		t.Fatalf("offer mangled: %v", offer)
	}
	if _, leaked := offer["to"]; leaked {
		t.Fatalf("offer kept routing field: %v", offer)
	}

	bob.send(map[string]any{"type": "answer", "to": "alice", "sdp": "v=0 bob-answer"})
	answer := alice.await("answer", 2*time.Second)
	if answer["from"] != "bob" || answer["sdp"] != "v=0 bob-answer" {
		t.Fatalf("answer mangled: %v", answer)
	}

	alice.send(map[string]any{
		"type":      "ice-candidate",
		"to":        "bob",
		"candidate": map[string]any{"candidate": "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host"},
	})
	cand := bob.await("ice-candidate", 2*time.Second)
	if cand["from"] != "alice" {
		t.Fatalf("candidate mangled: %v", cand)
	}

	// Alice drops her socket; Bob learns about it and can seek a new match.
	_ = alice.c.Close()
	bob.await("partner-disconnected", 3*time.Second)

	bob.send(map[string]any{"type": "find-match"})
	bob.await("waiting", 2*time.Second)
}

// TestReconnectSupersedes re-joins an id from a second socket and expects the
// first socket to be closed out with a policy-violation close carrying
// "superseded".
func TestReconnectSupersedes(t *testing.T) {
	baseURL, _ := startStack(t, e2eConfig())

	first := dial(t, baseURL)
	first.join("carol")

	second := dial(t, baseURL)
	second.join("carol")

	_ = first.c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := first.c.ReadMessage()
		if err == nil {
			continue // drain user-count broadcasts until the close frame
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("first socket close = %v (%T), want policy violation", err, err)
		}
		if ce, ok := err.(*websocket.CloseError); ok && ce.Text != "superseded" {
			t.Fatalf("close reason = %q, want superseded", ce.Text)
		}
		break
	}

	status := getJSON(t, baseURL+"/status")
	if status["clients"] != float64(1) {
		t.Fatalf("status=%v, want one client after supersede", status)
	}

	// The surviving socket still works.
	second.send(map[string]any{"type": "find-match"})
	second.await("waiting", 2*time.Second)
}

// TestStaleEviction matches two clients, silences one past the idle timeout,
// and expects the sweeper to evict it and tell the partner.
func TestStaleEviction(t *testing.T) {
	cfg := e2eConfig()
	cfg.SweepInterval = 50 * time.Millisecond
	cfg.ClientIdleTimeout = 250 * time.Millisecond
	baseURL, m := startStack(t, cfg)

	alice := dial(t, baseURL)
	bob := dial(t, baseURL)
	alice.join("alice")
	bob.join("bob")

	alice.send(map[string]any{"type": "find-match"})
	alice.await("waiting", 2*time.Second)
	bob.send(map[string]any{"type": "find-match"})
	bob.await("matched", 2*time.Second)
	alice.await("matched", 2*time.Second)

	// Bob goes silent: no reads means no pong replies, so his lastSeen ages
	// out while Alice keeps servicing pings from her read loop.
	bob.c.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := bob.c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	alice.await("partner-disconnected", 5*time.Second)

	deadline := time.Now().Add(3 * time.Second)
	for {
		status := getJSON(t, baseURL+"/status")
		if status["clients"] == float64(1) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status=%v, want clients=1 after eviction", status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if m.Get(metrics.EventEvictionsStale) == 0 {
		t.Fatalf("expected at least one stale eviction, counters=%v", m.Snapshot())
	}
}
