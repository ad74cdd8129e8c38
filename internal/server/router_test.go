package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-sync/internal/control"
)

type recordedMessage struct {
	msg       control.Message
	hasSource bool
}

type fakeHandlers struct {
	activated chan struct{}
	messages  chan recordedMessage
	reply     *control.Reply
}

func newFakeHandlers() *fakeHandlers {
	return &fakeHandlers{
		activated: make(chan struct{}, 1),
		messages:  make(chan recordedMessage, 4),
	}
}

func (f *fakeHandlers) OnActivate(context.Context) error {
	f.activated <- struct{}{}
	return nil
}

func (f *fakeHandlers) OnIntercept(c fiber.Ctx) error {
	c.Set("X-Intercepted", string(c.Request().URI().Path()))
	return c.SendStatus(fiber.StatusNoContent)
}

func (f *fakeHandlers) OnMessage(_ context.Context, msg control.Message, source control.Source) {
	f.messages <- recordedMessage{msg: msg, hasSource: source != nil}
	if f.reply != nil && source != nil {
		source.Send(*f.reply)
	}
}

func newTestApp(t *testing.T, handlers *fakeHandlers) (*fiber.App, *control.Hub) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	hub := control.NewHub(4)
	app, err := NewApp(AppOptions{
		Logger:            logger,
		Handlers:          handlers,
		Clients:           hub,
		HeartbeatInterval: 50 * time.Millisecond,
		ListenPort:        5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, hub
}

func startListener(t *testing.T, app *fiber.App, hub *control.Hub) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	go func() {
		_ = app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	t.Cleanup(func() {
		hub.Close()
		_ = app.ShutdownWithTimeout(2 * time.Second)
	})
	return "http://" + ln.Addr().String()
}

func TestRouterInterceptsNonReservedPaths(t *testing.T) {
	app, _ := newTestApp(t, newFakeHandlers())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/assets/main.js", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Intercepted"); got != "/assets/main.js" {
		t.Fatalf("interceptor should see request path, got %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReservedPathsSkipInterceptor(t *testing.T) {
	app, _ := newTestApp(t, newFakeHandlers())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/unknown", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown reserved path, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Intercepted") != "" {
		t.Fatalf("reserved path must not reach interceptor")
	}
}

func TestPostMessageRepliesInline(t *testing.T) {
	handlers := newFakeHandlers()
	handlers.reply = &control.Reply{Message: control.MessageUpdateComplete, LatestVersion: "1.1"}
	app, _ := newTestApp(t, handlers)

	req := httptest.NewRequest(http.MethodPost, "/-/control/messages", strings.NewReader(`{"type":"update"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var reply control.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply failed: %v", err)
	}
	if reply != *handlers.reply {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestPostMessageWithoutReply(t *testing.T) {
	app, _ := newTestApp(t, newFakeHandlers())

	req := httptest.NewRequest(http.MethodPost, "/-/control/messages", strings.NewReader(`{"type":"reboot"}`))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestPostMessageRejectsMalformedJSON(t *testing.T) {
	handlers := newFakeHandlers()
	app, _ := newTestApp(t, handlers)

	req := httptest.NewRequest(http.MethodPost, "/-/control/messages", strings.NewReader(`{"type":`))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "invalid_message") {
		t.Fatalf("expected invalid_message error, got %s", body)
	}
	if len(handlers.messages) != 0 {
		t.Fatalf("malformed message must not be dispatched")
	}
}

func TestPostMessageUnknownClientHasNoSource(t *testing.T) {
	handlers := newFakeHandlers()
	app, _ := newTestApp(t, handlers)

	req := httptest.NewRequest(http.MethodPost, "/-/control/messages", strings.NewReader(`{"type":"install"}`))
	req.Header.Set(HeaderClientID, "not-attached")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case recorded := <-handlers.messages:
		if recorded.msg.Type != control.TypeInstall {
			t.Fatalf("unexpected message type %s", recorded.msg.Type)
		}
		if recorded.hasSource {
			t.Fatalf("unknown client must be dispatched without a reply source")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message was not dispatched")
	}
}

func TestEventStreamDeliversRepliesAndActivates(t *testing.T) {
	handlers := newFakeHandlers()
	handlers.reply = &control.Reply{Message: control.MessageInstallComplete, LatestVersion: "1.0"}
	app, hub := newTestApp(t, handlers)
	base := startListener(t, app, hub)

	select {
	case <-handlers.activated:
	case <-time.After(2 * time.Second):
		t.Fatalf("activation hook did not run")
	}

	resp, err := http.Get(base + "/-/control/events")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %s", ct)
	}

	events := readEvents(resp.Body)
	attached := nextEvent(t, events, "attached")
	var payload struct {
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal([]byte(attached), &payload); err != nil || payload.ClientID == "" {
		t.Fatalf("attached event missing client_id: %s", attached)
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/-/control/messages", strings.NewReader(`{"type":"install"}`))
	req.Header.Set(HeaderClientID, payload.ClientID)
	postResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", postResp.StatusCode)
	}

	data := nextEvent(t, events, "message")
	var reply control.Reply
	if err := json.Unmarshal([]byte(data), &reply); err != nil {
		t.Fatalf("decode message event failed: %v", err)
	}
	if reply != *handlers.reply {
		t.Fatalf("unexpected reply on stream: %+v", reply)
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvents(body io.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 8)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(body)
		var current sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				current.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			case line == "" && current.name != "":
				out <- current
				current = sseEvent{}
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan sseEvent, name string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before %s event", name)
			}
			if event.name == name {
				return event.data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}
