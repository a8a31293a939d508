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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/mbd888/recurring/internal/ledger"
)

var (
	payer     = common.HexToAddress("0x3000000000000000000000000000000000000003")
	agreement = common.HexToAddress("0x9000000000000000000000000000000000000009")
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func event(typ ledger.EventType, subjects ...common.Address) *ledger.Event {
	return &ledger.Event{ID: "ev", Type: typ, Timestamp: time.Now(), Subjects: subjects}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, event(ledger.EventPaymentExecuted)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		EventTypes: []ledger.EventType{ledger.EventPaymentExecuted, ledger.EventAgreementCanceled},
	}}

	if !h.shouldSend(client, event(ledger.EventPaymentExecuted)) {
		t.Error("Should receive payment_executed events")
	}
	if !h.shouldSend(client, event(ledger.EventAgreementCanceled)) {
		t.Error("Should receive agreement_canceled events")
	}
	if h.shouldSend(client, event(ledger.EventTierChanged)) {
		t.Error("Should NOT receive tier_changed events")
	}
}

func TestShouldSend_AddressFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		Addresses: []string{strings.ToLower(payer.Hex())},
	}}

	if !h.shouldSend(client, event(ledger.EventPaymentExecuted, agreement, payer)) {
		t.Error("Should match a subject regardless of hex case")
	}
	if h.shouldSend(client, event(ledger.EventPaymentExecuted, agreement)) {
		t.Error("Should NOT match unrelated subjects")
	}
	if h.shouldSend(client, event(ledger.EventPaused)) {
		t.Error("Subjectless events do not match an address filter")
	}
}

func TestShouldSend_WarningsOnly(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{WarningsOnly: true}}

	if !h.shouldSend(client, event(ledger.EventLowAuthorizationWarning)) {
		t.Error("Should receive low authorization warnings")
	}
	if !h.shouldSend(client, event(ledger.EventHolderMismatchWarning)) {
		t.Error("Should receive holder mismatch warnings")
	}
	if h.shouldSend(client, event(ledger.EventPaymentExecuted)) {
		t.Error("Should NOT receive non-warning events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, event(ledger.EventPaymentExecuted)) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?address=0xabc&type=payment_executed&warnings=true", nil)
	sub := subscriptionFromQuery(r)
	if sub.AllEvents {
		t.Error("filters given, AllEvents should be false")
	}
	if len(sub.Addresses) != 1 || sub.Addresses[0] != "0xabc" {
		t.Errorf("addresses = %v", sub.Addresses)
	}
	if len(sub.EventTypes) != 1 || sub.EventTypes[0] != ledger.EventPaymentExecuted {
		t.Errorf("types = %v", sub.EventTypes)
	}
	if !sub.WarningsOnly {
		t.Error("expected WarningsOnly")
	}

	if !subscriptionFromQuery(httptest.NewRequest("GET", "/ws", nil)).AllEvents {
		t.Error("no filters should subscribe to all events")
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(slog.Default(), "https://app.example")

	for _, tc := range []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example", true},
		{"http://example.com", true}, // same host as httptest default
		{"https://evil.example", false},
	} {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := h.checkOrigin(r); got != tc.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_EmitAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	var sink ledger.EventSink = h
	sink.Emit(ctx, *event(ledger.EventPaymentExecuted))
	time.Sleep(50 * time.Millisecond)

	if got := h.Stats()["totalEvents"].(int64); got != 1 {
		t.Errorf("Expected 1 total event, got %v", got)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Addresses: []string{payer.Hex()}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(event(ledger.EventPaymentExecuted, common.HexToAddress("0xdead")))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive events for other addresses")
	default:
	}

	h.Broadcast(event(ledger.EventAgreementCanceled, agreement, payer))

	select {
	case msg := <-client.send:
		var got ledger.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type != ledger.EventAgreementCanceled {
			t.Errorf("got %s", got.Type)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive its payer's event")
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

	// upgrades after shutdown are refused
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %d", w.Code)
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?warnings=true"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.Emit(ctx, *event(ledger.EventPaymentExecuted))
	h.Emit(ctx, *event(ledger.EventLowAuthorizationWarning, payer))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got ledger.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != ledger.EventLowAuthorizationWarning {
		t.Errorf("expected only the warning to be streamed, got %s", got.Type)
	}
}
