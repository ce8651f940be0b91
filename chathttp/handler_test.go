package chathttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/ephemeral-chat/chat"
	"github.com/ggoodman/ephemeral-chat/rooms"
	"github.com/ggoodman/ephemeral-chat/rooms/memoryhost"
	"github.com/ggoodman/ephemeral-chat/rooms/roomhosttest"
)

type testServer struct {
	srv     *httptest.Server
	handler *Handler
	mgr     *rooms.Manager
	engine  *chat.Engine
	clock   *roomhosttest.ManualClock
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	clock := roomhosttest.NewManualClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	host := memoryhost.New(memoryhost.WithClock(clock.Now))
	t.Cleanup(func() { _ = host.Close() })

	mgr, err := rooms.NewManager(host, rooms.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	engine := chat.NewEngine(mgr, chat.NewRegistry(), chat.WithNodeID("test-node"))
	h, err := NewHandler(mgr, engine, append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = h.CloseConnections(context.Background())
		srv.Close()
	})
	return &testServer{srv: srv, handler: h, mgr: mgr, engine: engine, clock: clock}
}

func (s *testServer) post(t *testing.T, path, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, s.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestCreateRoom(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name        string
		path        string
		contentType string
		body        string
		wantSeconds int64
	}{
		{"explicit", "/api/rooms/create", "application/json", `{"expiryMinutes":5}`, 300},
		{"charset param", "/api/rooms/create", "application/json; charset=utf-8", `{"expiryMinutes":30}`, 1800},
		{"clamped high", "/api/rooms/create", "application/json", `{"expiryMinutes":600}`, 3600},
		{"clamped low", "/api/rooms", "application/json", `{"expiryMinutes":0}`, 60},
		{"empty object", "/api/rooms", "application/json", `{}`, 600},
		{"no body", "/api/rooms/create", "", ``, 600},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := s.post(t, tc.path, tc.contentType, tc.body)
			if res.StatusCode != http.StatusOK {
				t.Fatalf("status %d", res.StatusCode)
			}
			got := decodeBody[roomResponse](t, res)
			if got.Status != "active" || len(got.RoomID) != 8 {
				t.Fatalf("unexpected body %+v", got)
			}
			if got.RemainingSeconds != tc.wantSeconds {
				t.Fatalf("remainingSeconds = %d, want %d", got.RemainingSeconds, tc.wantSeconds)
			}
			if want := s.clock.Now().Add(time.Duration(tc.wantSeconds) * time.Second); !got.ExpiresAt.Equal(want) {
				t.Fatalf("expiresAt = %s, want %s", got.ExpiresAt, want)
			}
		})
	}
}

func TestCreateRoomRejectsBadBodies(t *testing.T) {
	s := newTestServer(t)

	res := s.post(t, "/api/rooms/create", "text/plain", `{"expiryMinutes":5}`)
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", res.StatusCode)
	}

	res = s.post(t, "/api/rooms/create", "application/json", `{"expiryMinutes":`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
	body := decodeBody[errorBody](t, res)
	if body.Error.Code != http.StatusBadRequest || body.Error.Message == "" {
		t.Fatalf("unexpected error body %+v", body)
	}

	res = s.post(t, "/api/rooms/create", "application/json", `{"expiryMinutes":"ten"}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-numeric lifetime, got %d", res.StatusCode)
	}

	res = s.post(t, "/api/rooms/create", "application/json", `{"expiryMinutes":5,"pad":"`+strings.Repeat("x", maxCreateBody)+`"}`)
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.StatusCode)
	}
}

func TestGetRoom(t *testing.T) {
	s := newTestServer(t)
	created := decodeBody[roomResponse](t, s.post(t, "/api/rooms/create", "application/json", `{"expiryMinutes":1}`))

	s.clock.Advance(20 * time.Second)
	res := s.get(t, "/api/rooms/"+created.RoomID)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	got := decodeBody[roomResponse](t, res)
	if got.RoomID != created.RoomID || got.RemainingSeconds != 40 || got.ActiveUsers != 0 {
		t.Fatalf("unexpected room %+v", got)
	}

	s.clock.Advance(time.Minute)
	res = s.get(t, "/api/rooms/"+created.RoomID)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after expiry, got %d", res.StatusCode)
	}
	body := decodeBody[errorBody](t, res)
	if body.Error.Code != http.StatusNotFound {
		t.Fatalf("unexpected error body %+v", body)
	}

	if res := s.get(t, "/api/rooms/never-was"); res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", res.StatusCode)
	}
}

type failingRooms struct{ err error }

func (f failingRooms) CreateRoom(context.Context, *int) (rooms.Room, error) { return rooms.Room{}, f.err }
func (f failingRooms) GetRoom(context.Context, string) (rooms.Room, error) { return rooms.Room{}, f.err }
func (f failingRooms) Ping(context.Context) error { return f.err }

func newFailingServer(t *testing.T, err error) *httptest.Server {
	t.Helper()
	engine := chat.NewEngine(&rooms.Manager{}, chat.NewRegistry())
	h, herr := NewHandler(failingRooms{err: err}, engine)
	if herr != nil {
		t.Fatalf("new handler: %v", herr)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestStoreUnavailableIsRetryable(t *testing.T) {
	srv := newFailingServer(t, fmt.Errorf("get room: %w: %w", rooms.ErrStoreUnavailable, errors.New("i/o timeout")))

	for _, req := range []struct{ method, path string }{
		{http.MethodPost, "/api/rooms/create"},
		{http.MethodGet, "/api/rooms/abcd1234"},
		{http.MethodGet, "/healthz"},
	} {
		r, _ := http.NewRequestWithContext(t.Context(), req.method, srv.URL+req.path, nil)
		res, err := http.DefaultClient.Do(r)
		if err != nil {
			t.Fatalf("%s %s: %v", req.method, req.path, err)
		}
		_ = res.Body.Close()
		if res.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s %s: expected 503, got %d", req.method, req.path, res.StatusCode)
		}
		if req.path != "/healthz" && res.Header.Get("Retry-After") != "1" {
			t.Fatalf("%s %s: expected Retry-After", req.method, req.path)
		}
	}
}

func TestUnexpectedErrorIs500(t *testing.T) {
	srv := newFailingServer(t, errors.New("decode room: bad json"))
	res, err := http.Get(srv.URL + "/api/rooms/abcd1234")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	res := s.get(t, "/healthz")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	body := decodeBody[map[string]string](t, res)
	if body["status"] != "ok" || body["node"] != "test-node" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestMessageSchema(t *testing.T) {
	s := newTestServer(t)
	res := s.get(t, "/api/schema/message")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	raw, _ := io.ReadAll(res.Body)

	var schema struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if schema.Type != "object" {
		t.Fatalf("expected object schema, got %q", schema.Type)
	}
	for _, field := range []string{"roomId", "sender", "body", "timestamp", "type"} {
		if _, ok := schema.Properties[field]; !ok {
			t.Fatalf("schema missing %s: %s", field, raw)
		}
	}
	if !strings.Contains(string(schema.Properties["type"]), "ROOM_EXPIRED") {
		t.Fatalf("type enum missing: %s", schema.Properties["type"])
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodOptions, s.srv.URL+"/api/rooms/create", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	res := s.get(t, "/nope")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", res.StatusCode)
	}
	if body := decodeBody[errorBody](t, res); body.Error.Code != http.StatusNotFound {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestNewHandlerValidatesOptions(t *testing.T) {
	engine := chat.NewEngine(&rooms.Manager{}, chat.NewRegistry())
	if _, err := NewHandler(failingRooms{}, engine, WithSendBuffer(0)); err == nil {
		t.Fatal("expected zero send buffer to be rejected")
	}
	if _, err := NewHandler(failingRooms{}, engine, WithPingInterval(0)); err == nil {
		t.Fatal("expected zero ping interval to be rejected")
	}
	if _, err := NewHandler(nil, engine); err == nil {
		t.Fatal("expected missing room service to be rejected")
	}
}
