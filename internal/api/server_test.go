package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/agentchat/internal/agent"
	"github.com/user/agentchat/internal/chat"
	"github.com/user/agentchat/internal/gateway"
	"github.com/user/agentchat/internal/signal"
	"github.com/user/agentchat/internal/state"
	"github.com/user/agentchat/internal/types"
	"github.com/user/agentchat/pkg/llm"
)

type echoProvider struct{}

func (echoProvider) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: "ok"}, nil
}

func (echoProvider) Stream(_ context.Context, req *llm.Request) (<-chan llm.Delta, error) {
	ch := make(chan llm.Delta, 2)
	ch <- llm.Delta{Content: "echo: "}
	ch <- llm.Delta{Content: req.Messages[len(req.Messages)-1].Content}
	close(ch)
	return ch, nil
}

type testEnv struct {
	srv   *Server
	chats *chat.Store
	gw    *gateway.Gateway
}

func setupServer(t *testing.T, withGateway bool) *testEnv {
	t.Helper()
	chats := chat.NewStore(state.NewFileAdapter(t.TempDir()), chat.Options{})
	agents := agent.NewRegistry(agent.Agent{ID: "a1", Name: "Echo"})
	signals := signal.NewStore(chats, agents, echoProvider{}, signal.Options{})

	var gw *gateway.Gateway
	if withGateway {
		gw = gateway.New(chats, signals)
		gw.Start(context.Background())
		t.Cleanup(gw.Stop)
	}
	return &testEnv{srv: NewServer(chats, signals, gw, agents), chats: chats, gw: gw}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := setupServer(t, false)
	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestChatCRUD(t *testing.T) {
	env := setupServer(t, false)

	w := env.do(t, http.MethodPost, "/api/chats", `{"name":"General","type":"group"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}
	var created types.Chat
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.LastMessagePreview != "No messages yet" {
		t.Errorf("unexpected chat %+v", created)
	}

	w = env.do(t, http.MethodGet, "/api/chats", "")
	var list []types.Chat
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 {
		t.Fatalf("expected 1 chat, got %d", len(list))
	}

	w = env.do(t, http.MethodPatch, "/api/chats/"+created.ID, `{"name":"Renamed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	w = env.do(t, http.MethodGet, "/api/chats/"+created.ID, "")
	var got types.Chat
	json.NewDecoder(w.Body).Decode(&got)
	if got.Name != "Renamed" || got.Type != types.ChatTypeGroup {
		t.Errorf("expected renamed group chat, got %+v", got)
	}

	w = env.do(t, http.MethodDelete, "/api/chats/"+created.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/chats/"+created.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestCreateChatValidation(t *testing.T) {
	env := setupServer(t, false)
	if w := env.do(t, http.MethodPost, "/api/chats", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/chats", `{"type":"broadcast"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad type, got %d", w.Code)
	}
}

func TestUpdateUnknownChat(t *testing.T) {
	env := setupServer(t, false)
	w := env.do(t, http.MethodPatch, "/api/chats/nope", `{"name":"x"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSendMessageInline(t *testing.T) {
	env := setupServer(t, false)
	c, _ := env.chats.CreateChat(context.Background(), chat.NewChat{Name: "c1"}, nil)

	w := env.do(t, http.MethodPost, "/api/chats/"+c.ID+"/messages", `{"text":"Hello","agentId":"a1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Status  string         `json:"status"`
		Message *types.Message `json:"message"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "received" || resp.Message.Text() != "echo: Hello" {
		t.Errorf("unexpected reply %+v", resp)
	}

	w = env.do(t, http.MethodGet, "/api/chats/"+c.ID+"/messages", "")
	var msgs []*types.Message
	json.NewDecoder(w.Body).Decode(&msgs)
	if len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %d", len(msgs))
	}
}

func TestSendMessageQueued(t *testing.T) {
	env := setupServer(t, true)
	c, _ := env.chats.CreateChat(context.Background(), chat.NewChat{Name: "c1"}, nil)

	w := env.do(t, http.MethodPost, "/api/chats/"+c.ID+"/messages", `{"text":"Hello","agentId":"a1"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(env.chats.Messages(c.ID)) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	msgs := env.chats.Messages(c.ID)
	if len(msgs) != 2 || msgs[1].Text() != "echo: Hello" {
		t.Fatalf("expected queued send to commit a reply, got %d messages", len(msgs))
	}

	w = env.do(t, http.MethodGet, "/api/chats/"+c.ID+"/signals", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected no signals after completion, got %d %s", w.Code, w.Body)
	}
}

func TestSendMessageErrors(t *testing.T) {
	env := setupServer(t, true)
	c, _ := env.chats.CreateChat(context.Background(), chat.NewChat{}, nil)

	if w := env.do(t, http.MethodPost, "/api/chats/"+c.ID+"/messages", `{"text":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/chats/"+c.ID+"/messages", `{"text":"   ","agentId":"a1"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for whitespace-only text, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/chats/"+c.ID+"/messages", `{"text":"hi","agentId":"ghost"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/chats/missing/messages", `{"text":"hi","agentId":"a1"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown chat, got %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/chats/"+c.ID+"/signals/a1", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 when nothing to cancel, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupServer(t, false)
	env.do(t, http.MethodGet, "/health", "")

	w := env.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "agentchat_http_requests_total") {
		t.Error("expected request counter in metrics output")
	}
}

func TestListAgents(t *testing.T) {
	env := setupServer(t, false)
	w := env.do(t, http.MethodGet, "/api/agents", "")
	var agents []agent.Agent
	json.NewDecoder(w.Body).Decode(&agents)
	if len(agents) != 1 || agents[0].ID != "a1" {
		t.Errorf("unexpected agents %+v", agents)
	}
}

func TestStreamPushesSignalEvents(t *testing.T) {
	env := setupServer(t, false)
	c, _ := env.chats.CreateChat(context.Background(), chat.NewChat{Name: "c1"}, nil)

	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chats/" + c.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	w := env.do(t, http.MethodPost, "/api/chats/"+c.ID+"/messages", `{"text":"ping","agentId":"a1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("send failed: %d %s", w.Code, w.Body.String())
	}

	var seen []signal.EventType
	var text string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f streamFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v (got %v)", err, seen)
		}
		seen = append(seen, f.Type)
		if f.Type == signal.EventDelta {
			text += f.Delta
		}
		if f.Type == signal.EventCompleted {
			if f.Message == nil || f.Message.Text() != "echo: ping" {
				t.Errorf("unexpected completed message: %+v", f.Message)
			}
			break
		}
	}
	if text != "echo: ping" {
		t.Errorf("expected accumulated deltas %q, got %q", "echo: ping", text)
	}
	if seen[0] != signal.EventStarted {
		t.Errorf("expected started first, got %v", seen)
	}
}

func TestStreamUnknownChat(t *testing.T) {
	env := setupServer(t, false)
	w := env.do(t, http.MethodGet, "/api/chats/nope/stream", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	chats := chat.NewStore(state.NewFileAdapter(t.TempDir()), chat.Options{})
	agents := agent.NewRegistry(agent.Agent{ID: "a1", Name: "Echo"})
	signals := signal.NewStore(chats, agents, echoProvider{}, signal.Options{})
	srv := NewServer(chats, signals, nil, agents, "http://localhost:5173")

	req := httptest.NewRequest(http.MethodOptions, "/api/chats", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("expected allowed origin header, got %q", got)
	}
}
