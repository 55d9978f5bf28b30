package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/approval-auditor/internal/approval"
	"github.com/mbd888/approval-auditor/internal/audit"
)

const wallet = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func attach(h *Hub, sub Subscription) *Client {
	c := &Client{hub: h, send: make(chan []byte, 256), sub: sub}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return Event{}
}

func sampleResult() *audit.Result {
	return &audit.Result{
		Wallet:        wallet,
		ChainsScanned: []int64{1},
		ChainsFailed:  []audit.ChainFailure{{ChainID: 56, ChainName: "BNB Chain", Reason: approval.ReasonTimeout}},
		Approvals: []approval.Record{
			{RiskFlags: []approval.RiskFlag{approval.FlagUnlimited}},
			{RiskFlags: []approval.RiskFlag{}},
		},
		TotalApprovals: 2,
		Timestamp:      time.Now().UTC(),
	}
}

func TestShouldSend(t *testing.T) {
	h := testHub()
	completed := &Event{Type: EventAuditCompleted, Wallet: wallet, Flagged: 1}
	clean := &Event{Type: EventAuditCompleted, Wallet: wallet}
	failed := &Event{Type: EventChainFailed, Wallet: wallet, ChainID: 56}

	tests := []struct {
		name string
		sub  Subscription
		ev   *Event
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, failed, true},
		{"empty subscription", Subscription{}, completed, true},
		{"type match", Subscription{EventTypes: []EventType{EventChainFailed}}, failed, true},
		{"type mismatch", Subscription{EventTypes: []EventType{EventChainFailed}}, completed, false},
		{"wallet any case", Subscription{Wallets: []string{strings.ToLower(wallet)}}, completed, true},
		{"wallet mismatch", Subscription{Wallets: []string{"0x0000000000000000000000000000000000000001"}}, completed, false},
		{"chain match", Subscription{ChainIDs: []int64{56}}, failed, true},
		{"chain mismatch", Subscription{ChainIDs: []int64{1}}, failed, false},
		{"chain filter ignores audit events", Subscription{ChainIDs: []int64{1}}, completed, true},
		{"flagged only passes risky audit", Subscription{FlaggedOnly: true}, completed, true},
		{"flagged only drops clean audit", Subscription{FlaggedOnly: true}, clean, false},
		{"flagged only keeps chain failures", Subscription{FlaggedOnly: true}, failed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.shouldSend(&Client{sub: tt.sub}, tt.ev); got != tt.want {
				t.Errorf("shouldSend = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	if stats["connected_clients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connected_clients"])
	}
	if stats["total_events"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["total_events"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	client := attach(h, Subscription{AllEvents: true})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connected_clients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connected_clients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connected_clients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connected_clients"])
	}
	if stats["peak_clients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peak_clients"])
	}
}

func TestHub_AuditHook(t *testing.T) {
	h := runHub(t)
	client := attach(h, Subscription{AllEvents: true})

	h.AuditHook()(context.Background(), sampleResult())

	first := receive(t, client)
	if first.Type != EventChainFailed || first.ChainID != 56 {
		t.Errorf("first event = %+v, want chain_failed for 56", first)
	}

	second := receive(t, client)
	if second.Type != EventAuditCompleted || second.Wallet != wallet {
		t.Fatalf("second event = %+v, want audit_completed", second)
	}
	data, _ := json.Marshal(second.Data)
	var summary AuditSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.TotalApprovals != 2 || summary.Unlimited != 1 || summary.ChainsFailed != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := runHub(t)
	client := attach(h, Subscription{EventTypes: []EventType{EventAuditCompleted}})

	h.Broadcast(&Event{Type: EventChainFailed, Wallet: wallet, ChainID: 1})
	time.Sleep(100 * time.Millisecond)
	select {
	case <-client.send:
		t.Error("Client should NOT receive chain_failed event")
	default:
	}

	h.Broadcast(&Event{Type: EventAuditCompleted, Wallet: wallet})
	if ev := receive(t, client); ev.Type != EventAuditCompleted {
		t.Errorf("got %s", ev.Type)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(Subscription{EventTypes: []EventType{EventAuditCompleted}}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	h.AuditHook()(context.Background(), sampleResult())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventAuditCompleted {
		t.Errorf("got %s, want audit_completed (chain_failed filtered)", ev.Type)
	}
}
