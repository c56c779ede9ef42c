package api

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/storage"
)

type wsFixture struct {
	handler *WSHandler
	hub     *events.Hub
	store   *storage.Store
	ws      *websocket.Conn
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	hub := events.NewHub(events.HubConfig{
		MaxPerWorkOrder: 100,
		MaxTotal:        1000,
		Retention:       time.Hour,
		MaxPerSecond:    1000,
	}, events.NewMemoryPublisher(), logger)
	t.Cleanup(hub.Close)

	handler := NewWSHandler(hub, store, 50, logger)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	return &wsFixture{handler: handler, hub: hub, store: store, ws: ws}
}

func (f *wsFixture) seedOrder(t *testing.T) *order.WorkOrder {
	t.Helper()
	wo, err := order.New(order.CreateParams{
		TaskPrompt:      "Backfill the retention sweeper for archived runs",
		WorkspaceSource: order.WorkspaceSource{Type: order.SourceLocal, Path: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("failed to build order: %v", err)
	}
	if err := f.store.Save(wo); err != nil {
		t.Fatalf("failed to save order: %v", err)
	}
	return wo
}

func (f *wsFixture) send(t *testing.T, msg WSMessage) {
	t.Helper()
	if err := f.ws.WriteJSON(msg); err != nil {
		t.Fatalf("failed to send %s: %v", msg.Type, err)
	}
}

func (f *wsFixture) read(t *testing.T) events.StreamEvent {
	t.Helper()
	_ = f.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.StreamEvent
	if err := f.ws.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return ev
}

func TestWSHandler_PingPong(t *testing.T) {
	f := newWSFixture(t)

	f.send(t, WSMessage{Type: "ping"})

	if ev := f.read(t); ev.Type != events.TypePong {
		t.Errorf("expected pong, got %s", ev.Type)
	}
	if f.handler.ConnectionCount() != 1 {
		t.Errorf("expected 1 connection, got %d", f.handler.ConnectionCount())
	}
}

func TestWSHandler_SubscribeReplaysAndStreams(t *testing.T) {
	f := newWSFixture(t)
	wo := f.seedOrder(t)

	// Buffered before the client connects; replayed on subscribe.
	for i := 0; i < 2; i++ {
		ev := events.New(events.TypeWorkOrderUpdated, wo.ID)
		ev.Data = map[string]any{"status": "running"}
		f.hub.Emit(ev)
	}

	f.send(t, WSMessage{Type: "subscribe", WorkOrderID: wo.ID})

	if ev := f.read(t); ev.Type != events.TypeSubscriptionConfirmed || ev.WorkOrderID != wo.ID {
		t.Fatalf("expected subscription confirmation, got %+v", ev)
	}
	for i := 1; i <= 2; i++ {
		ev := f.read(t)
		if ev.Type != events.TypeWorkOrderUpdated {
			t.Fatalf("expected replayed update, got %s", ev.Type)
		}
		if ev.Seq != int64(i) {
			t.Errorf("expected replay seq %d, got %d", i, ev.Seq)
		}
	}

	// Live delivery after the replay.
	live := events.NewRunEvent(events.TypeRunStarted, wo.ID, "run-1", 1)
	f.hub.Emit(live)

	ev := f.read(t)
	if ev.Type != events.TypeRunStarted || ev.RunID != "run-1" {
		t.Errorf("expected live run_started, got %+v", ev)
	}
}

func TestWSHandler_SubscribeUnknownWorkOrder(t *testing.T) {
	f := newWSFixture(t)

	f.send(t, WSMessage{Type: "subscribe", WorkOrderID: "missing"})

	ev := f.read(t)
	if ev.Type != events.TypeError {
		t.Fatalf("expected error frame, got %s", ev.Type)
	}
	if ev.Data["code"] != wsErrNotFound {
		t.Errorf("expected NOT_FOUND, got %v", ev.Data["code"])
	}
}

func TestWSHandler_GlobalSubscription(t *testing.T) {
	f := newWSFixture(t)

	f.send(t, WSMessage{Type: "subscribe", WorkOrderID: events.GlobalID})
	if ev := f.read(t); ev.Type != events.TypeSubscriptionConfirmed {
		t.Fatalf("expected confirmation, got %+v", ev)
	}

	f.hub.Emit(events.New(events.TypeWorkOrderCreated, "wo-anything"))

	ev := f.read(t)
	if ev.Type != events.TypeWorkOrderCreated || ev.WorkOrderID != "wo-anything" {
		t.Errorf("expected global delivery, got %+v", ev)
	}
}

func TestWSHandler_Unsubscribe(t *testing.T) {
	f := newWSFixture(t)
	wo := f.seedOrder(t)

	f.send(t, WSMessage{Type: "subscribe", WorkOrderID: wo.ID})
	if ev := f.read(t); ev.Type != events.TypeSubscriptionConfirmed {
		t.Fatalf("expected confirmation, got %+v", ev)
	}

	f.send(t, WSMessage{Type: "unsubscribe", WorkOrderID: wo.ID})
	if ev := f.read(t); ev.Type != events.TypeUnsubscriptionConfirmed {
		t.Fatalf("expected unsubscription confirmation, got %+v", ev)
	}

	// A second unsubscribe has nothing to remove.
	f.send(t, WSMessage{Type: "unsubscribe", WorkOrderID: wo.ID})
	ev := f.read(t)
	if ev.Type != events.TypeError || ev.Data["code"] != wsErrNotFound {
		t.Errorf("expected NOT_FOUND error, got %+v", ev)
	}
}

func TestWSHandler_RejectsMalformedFrames(t *testing.T) {
	f := newWSFixture(t)

	if err := f.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	ev := f.read(t)
	if ev.Type != events.TypeError || ev.Data["code"] != wsErrParseError {
		t.Errorf("expected PARSE_ERROR, got %+v", ev)
	}

	f.send(t, WSMessage{Type: "shout"})
	ev = f.read(t)
	if ev.Type != events.TypeError || ev.Data["code"] != wsErrInvalidMessage {
		t.Errorf("expected INVALID_MESSAGE, got %+v", ev)
	}

	f.send(t, WSMessage{Type: "subscribe"})
	ev = f.read(t)
	if ev.Type != events.TypeError || ev.Data["code"] != wsErrInvalidMessage {
		t.Errorf("expected INVALID_MESSAGE for missing id, got %+v", ev)
	}
}
