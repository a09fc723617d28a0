package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/session"
	"github.com/termlink/termlink/internal/ws"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Agent.Mode = "mock"
	cfg.Agent.MockThinkDelay = time.Millisecond
	cfg.Terminal.Shell = "sh"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	registry := session.NewRegistry(cfg, nil)
	t.Cleanup(registry.Stop)
	srv := httptest.NewServer(New(cfg, registry).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testConfig())
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", map[string]string{"name": "build box"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id, _ := created["id"].(string)
	if id == "" || created["name"] != "build box" {
		t.Fatalf("created = %v", created)
	}

	listResp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var list []session.Summary
	json.NewDecoder(listResp.Body).Decode(&list)
	listResp.Body.Close()
	if len(list) != 1 || list[0].ID != id || list[0].Status != session.StatusIdle {
		t.Fatalf("list = %+v", list)
	}

	resp, renamed := doJSON(t, http.MethodPatch, srv.URL+"/api/sessions/"+id, map[string]string{"name": "deploy box"})
	if resp.StatusCode != http.StatusOK || renamed["name"] != "deploy box" {
		t.Fatalf("rename status = %d, body = %v", resp.StatusCode, renamed)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestCreateSessionDefaultName(t *testing.T) {
	srv := newTestServer(t, testConfig())
	resp, created := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if created["name"] != "New Session" {
		t.Errorf("name = %v", created["name"])
	}
}

func TestRenameValidation(t *testing.T) {
	srv := newTestServer(t, testConfig())
	_, created := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", nil)
	id := created["id"].(string)

	// Missing name field.
	resp, _ := doJSON(t, http.MethodPatch, srv.URL+"/api/sessions/"+id, map[string]int{"other": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing name status = %d", resp.StatusCode)
	}

	// Whitespace-only name.
	resp, _ = doJSON(t, http.MethodPatch, srv.URL+"/api/sessions/"+id, map[string]string{"name": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank name status = %d", resp.StatusCode)
	}

	// Over the length limit.
	resp, _ = doJSON(t, http.MethodPatch, srv.URL+"/api/sessions/"+id, map[string]string{"name": strings.Repeat("x", 65)})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("long name status = %d", resp.StatusCode)
	}

	// Unknown session.
	resp, _ = doJSON(t, http.MethodPatch, srv.URL+"/api/sessions/nope", map[string]string{"name": "ok"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AuthSecret = "test-secret"
	srv := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", resp.StatusCode)
	}

	token, err := IssueToken([]byte("test-secret"), "tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d", resp.StatusCode)
	}

	// WebSocket upgrades pass the token as a query param instead.
	resp, err = http.Get(srv.URL + "/api/sessions?token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query token status = %d", resp.StatusCode)
	}

	// Health stays open for load balancer probes.
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestTokenExpiry(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, "tester", -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(secret, token); err == nil {
		t.Error("expired token validated")
	}

	token, err = IssueToken(secret, "tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ValidateToken(secret, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Subject != "tester" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if _, err := ValidateToken([]byte("other-secret"), token); err == nil {
		t.Error("token validated under wrong secret")
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// readUntil reads messages until one of the wanted type arrives.
func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, msgType string) map[string]json.RawMessage {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s: %v", msgType, err)
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		var mt string
		json.Unmarshal(m["type"], &mt)
		if mt == msgType {
			return m
		}
	}
}

func TestTerminalWSEcho(t *testing.T) {
	srv := newTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL)+"/ws/terminal", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(512 * 1024)

	info := readUntil(ctx, t, conn, ws.TypeSessionInfo)
	var sessionID string
	json.Unmarshal(info["sessionId"], &sessionID)
	if sessionID == "" {
		t.Fatal("session_info missing sessionId")
	}

	input := ws.Marshal(ws.Input{Type: ws.TypeInput, Data: "echo ws-roundtrip\n"})
	if err := conn.Write(ctx, websocket.MessageText, input); err != nil {
		t.Fatalf("Write: %v", err)
	}

	for {
		m := readUntil(ctx, t, conn, ws.TypeOutput)
		var data string
		json.Unmarshal(m["data"], &data)
		if strings.Contains(data, "ws-roundtrip") {
			break
		}
	}
}

func TestTerminalWSSharedSession(t *testing.T) {
	srv := newTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, wsURL(srv.URL)+"/ws/terminal", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.CloseNow()

	info := readUntil(ctx, t, first, ws.TypeSessionInfo)
	var sessionID string
	json.Unmarshal(info["sessionId"], &sessionID)

	second, _, err := websocket.Dial(ctx, wsURL(srv.URL)+"/ws/terminal?sessionId="+sessionID, nil)
	if err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	defer second.CloseNow()

	secondInfo := readUntil(ctx, t, second, ws.TypeSessionInfo)
	var secondID string
	json.Unmarshal(secondInfo["sessionId"], &secondID)
	if secondID != sessionID {
		t.Fatalf("second client joined %s, want %s", secondID, sessionID)
	}

	input := ws.Marshal(ws.Input{Type: ws.TypeInput, Data: "echo shared-view\n"})
	if err := first.Write(ctx, websocket.MessageText, input); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Both clients observe the same terminal bytes.
	for _, conn := range []*websocket.Conn{first, second} {
		for {
			m := readUntil(ctx, t, conn, ws.TypeOutput)
			var data string
			json.Unmarshal(m["data"], &data)
			if strings.Contains(data, "shared-view") {
				break
			}
		}
	}
}

func TestTerminalWSUnknownType(t *testing.T) {
	srv := newTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL)+"/ws/terminal", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	readUntil(ctx, t, conn, ws.TypeSessionInfo)

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m := readUntil(ctx, t, conn, ws.TypeError)
	var msg string
	json.Unmarshal(m["message"], &msg)
	if !strings.Contains(msg, "bogus") {
		t.Errorf("error message = %q", msg)
	}
}

func TestTerminalWSApprovalErrors(t *testing.T) {
	srv := newTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL)+"/ws/terminal", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	readUntil(ctx, t, conn, ws.TypeSessionInfo)

	decision := ws.Marshal(ws.ApprovalResponse{
		Type:    ws.TypeApprovalResponse,
		Payload: ws.ApprovalResponsePayload{ApprovalID: "missing", Decision: "approved"},
	})
	if err := conn.Write(ctx, websocket.MessageText, decision); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m := readUntil(ctx, t, conn, ws.TypeError)
	var msg string
	json.Unmarshal(m["message"], &msg)
	if msg != "approval not found" {
		t.Errorf("error message = %q", msg)
	}
}
