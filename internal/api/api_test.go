package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"redpocket2mqtt/internal/config"
	"redpocket2mqtt/internal/events"
	"redpocket2mqtt/internal/integration"
	"redpocket2mqtt/internal/platform"
	"redpocket2mqtt/internal/redpocket"
	"redpocket2mqtt/internal/storage"
)

type fakeAccount struct {
	mu   sync.Mutex
	fail error
}

func (f *fakeAccount) GetLines(ctx context.Context) ([]redpocket.Line, error) {
	return []redpocket.Line{
		{AccountID: 1001, Number: "5551234567", Hash: "abc"},
		{AccountID: 1002, Number: "5559876543", Hash: "def"},
	}, nil
}

func (f *fakeAccount) GetLineDetails(ctx context.Context, hash string) (*redpocket.LineDetails, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return &redpocket.LineDetails{Hash: hash, DataBalance: 2048, MessagingBalance: 100, VoiceBalance: redpocket.Unlimited}, nil
}

type fakePlatform struct {
	*platform.Base
}

func (p *fakePlatform) Init(ctx context.Context, deps *platform.Dependencies) error {
	p.SetDependencies(deps)
	return nil
}
func (p *fakePlatform) Start(ctx context.Context) error { return nil }
func (p *fakePlatform) Stop(ctx context.Context) error { return nil }
func (p *fakePlatform) SetupEntry(ctx context.Context, entry *integration.Entry) error { return nil }
func (p *fakePlatform) UnloadEntry(ctx context.Context) error { return nil }

func (p *fakePlatform) Routes() []platform.Route {
	return []platform.Route{
		{Method: http.MethodGet, Path: "/api/platforms/fake/ping", RequireAuth: true, Handler: func(w http.ResponseWriter, r *http.Request) {
			platform.WriteJSON(w, http.StatusOK, map[string]string{"user": usernameFrom(r)})
		}},
		{Method: http.MethodGet, Path: "/fake/public", Handler: func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}},
	}
}

type fixture struct {
	server   *Server
	manager  *integration.Manager
	registry *platform.Registry
	events   *events.Store
	account  *fakeAccount
}

func newFixture(t *testing.T, env string) *fixture {
	t.Helper()
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte(env), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(envPath)
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	store, err := storage.NewBoltStorage(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := log.New(io.Discard, "", 0)
	eventStore := events.NewStore(100)

	registry := platform.NewRegistry()
	registry.SetDependencies(&platform.Dependencies{Config: cfg, Storage: store, EventStore: eventStore, Logger: logger})
	if err := registry.Register(&fakePlatform{platform.NewBase("fake", "test platform", "1.0.0")}); err != nil {
		t.Fatal(err)
	}
	if err := registry.EnsureDefaults("fake"); err != nil {
		t.Fatal(err)
	}
	if err := registry.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	account := &fakeAccount{}
	manager := integration.NewManager(integration.ManagerConfig{
		Connect: func(ctx context.Context, username, password string) (integration.Account, error) {
			if username != "user" || password != "secret" {
				return nil, redpocket.ErrAuth
			}
			return account, nil
		},
		Config:    cfg,
		Storage:   store,
		Events:    eventStore,
		Forwarder: registry,
		Logger:    logger,
	})
	t.Cleanup(func() { manager.Stop(context.Background()) })

	server := NewServer(ServerConfig{
		Config:     cfg,
		Manager:    manager,
		Platforms:  registry,
		EventStore: eventStore,
		Logger:     logger,
	})
	t.Cleanup(server.Close)

	return &fixture{server: server, manager: manager, registry: registry, events: eventStore, account: account}
}

const testEnv = "REDPOCKET_API_USERNAME=admin\nREDPOCKET_API_PASSWORD=hunter2\n"

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	r := httptest.NewRequest(method, path, reader)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, r)
	return w
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "admin", Password: "hunter2"})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", w.Code, w.Body)
	}
	var resp LoginResponse
	json.NewDecoder(w.Body).Decode(&resp)
	return resp.Token
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t, testEnv)

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{"missing fields", LoginRequest{Username: "admin"}, http.StatusBadRequest},
		{"wrong password", LoginRequest{Username: "admin", Password: "nope"}, http.StatusUnauthorized},
		{"wrong user", LoginRequest{Username: "root", Password: "hunter2"}, http.StatusUnauthorized},
		{"ok", LoginRequest{Username: "admin", Password: "hunter2"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/auth/login", "", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status == http.StatusOK && !strings.Contains(w.Header().Get("Set-Cookie"), "redpocket_token=") {
				t.Error("auth cookie not set")
			}
		})
	}

	if got := f.events.GetLastOfType(events.EventLoginFailed, 10); len(got) != 2 {
		t.Errorf("login_failed events = %d, want 2", len(got))
	}
}

func TestProtectedRoutes(t *testing.T) {
	f := newFixture(t, testEnv)
	for _, path := range []string{"/api/lines", "/api/account", "/api/events", "/api/platforms", "/api/platforms/fake/ping"} {
		if w := f.do(t, http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, w.Code)
		}
	}

	token := f.login(t)
	w := f.do(t, http.MethodGet, "/api/auth/me", token, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"admin"`) {
		t.Errorf("me = %d %s", w.Code, w.Body)
	}
}

func TestNoAuth(t *testing.T) {
	f := newFixture(t, "REDPOCKET_NO_AUTH=true\n")
	w := f.do(t, http.MethodGet, "/api/auth/me", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"dev"`) {
		t.Errorf("me = %d %s", w.Code, w.Body)
	}
}

func TestAccountFlow(t *testing.T) {
	f := newFixture(t, testEnv)
	token := f.login(t)

	var status AccountStatus
	decode(t, f.do(t, http.MethodGet, "/api/account", token, nil), &status)
	if status.Configured || status.SetUp || status.ScanInterval != 15 {
		t.Errorf("initial status %+v", status)
	}

	w := f.do(t, http.MethodPost, "/api/account", token, CredentialsRequest{Username: "user", Password: "wrong"})
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), errInvalidCredentials) {
		t.Fatalf("bad credentials = %d %s", w.Code, w.Body)
	}

	w = f.do(t, http.MethodPost, "/api/account", token, CredentialsRequest{Username: "user", Password: "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("configure = %d %s", w.Code, w.Body)
	}
	decode(t, w, &status)
	if !status.Configured || !status.SetUp || status.Lines != 2 || status.Username != "user" {
		t.Errorf("status after configure %+v", status)
	}

	var lines struct {
		Lines []LineView `json:"lines"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/lines", token, nil), &lines)
	if len(lines.Lines) != 2 || len(lines.Lines[0].Sensors) != 5 {
		t.Fatalf("lines = %+v", lines)
	}

	var sensorList struct {
		Sensors []SensorView `json:"sensors"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/sensors", token, nil), &sensorList)
	if len(sensorList.Sensors) != 10 {
		t.Errorf("sensors = %d, want 10", len(sensorList.Sensors))
	}
}

func TestLineRefresh(t *testing.T) {
	f := newFixture(t, testEnv)
	token := f.login(t)

	if w := f.do(t, http.MethodPost, "/api/lines/5551234567/refresh", token, nil); w.Code != http.StatusConflict {
		t.Errorf("refresh before setup = %d", w.Code)
	}

	f.do(t, http.MethodPost, "/api/account", token, CredentialsRequest{Username: "user", Password: "secret"})

	tests := []struct {
		name   string
		fail   error
		path   string
		status int
	}{
		{"ok", nil, "/api/lines/5551234567/refresh", http.StatusOK},
		{"unknown line", nil, "/api/lines/0000000000/refresh", http.StatusNotFound},
		{"carrier error", &redpocket.Error{Op: "get details", Err: io.ErrUnexpectedEOF}, "/api/lines/5551234567/refresh", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.account.mu.Lock()
			f.account.fail = tt.fail
			f.account.mu.Unlock()

			w := f.do(t, http.MethodPost, tt.path, token, nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body)
			}
		})
	}

	var view LineView
	decode(t, f.do(t, http.MethodGet, "/api/lines/5551234567", token, nil), &view)
	if view.Details == nil || view.Details.DataBalance != 2048 || view.Error == "" {
		t.Errorf("line view %+v", view)
	}
	if w := f.do(t, http.MethodGet, "/api/lines/0000000000", token, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown line = %d", w.Code)
	}
	if got := f.events.GetLastOfType(events.EventLineRefresh, 10); len(got) != 2 {
		t.Errorf("line_refresh events = %d, want 2", len(got))
	}
}

func TestLineRefreshAfterClientGone(t *testing.T) {
	f := newFixture(t, testEnv)
	token := f.login(t)
	f.do(t, http.MethodPost, "/api/account", token, CredentialsRequest{Username: "user", Password: "secret"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodPost, "/api/lines/5559876543/refresh", nil).WithContext(ctx)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var view LineView
	decode(t, w, &view)
	if view.Details == nil || view.Error != "" {
		t.Errorf("refresh cancelled with the request: %+v", view)
	}
}

func TestOptionsFlow(t *testing.T) {
	f := newFixture(t, testEnv)
	token := f.login(t)
	f.do(t, http.MethodPost, "/api/account", token, CredentialsRequest{Username: "user", Password: "secret"})

	zero := 0
	if w := f.do(t, http.MethodPut, "/api/account", token, OptionsRequest{ScanInterval: &zero}); w.Code != http.StatusBadRequest {
		t.Errorf("zero interval = %d", w.Code)
	}

	if w := f.do(t, http.MethodPut, "/api/account", token, OptionsRequest{Password: "wrong"}); w.Code != http.StatusBadRequest {
		t.Errorf("wrong password = %d", w.Code)
	}

	enabled, interval := true, 30
	w := f.do(t, http.MethodPut, "/api/account", token, OptionsRequest{AttributeSensors: &enabled, ScanInterval: &interval})
	if w.Code != http.StatusOK {
		t.Fatalf("options = %d %s", w.Code, w.Body)
	}
	var status AccountStatus
	decode(t, w, &status)
	if !status.AttributeSensors || status.ScanInterval != 30 || !status.SetUp {
		t.Errorf("status after options %+v", status)
	}

	var sensorList struct {
		Sensors []SensorView `json:"sensors"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/sensors", token, nil), &sensorList)
	if len(sensorList.Sensors) != 16 {
		t.Errorf("sensors = %d, want 16", len(sensorList.Sensors))
	}
}

func TestPlatformRoutes(t *testing.T) {
	f := newFixture(t, testEnv)
	token := f.login(t)

	w := f.do(t, http.MethodGet, "/api/platforms/fake/ping", token, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"admin"`) {
		t.Fatalf("ping = %d %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodGet, "/fake/public", "", nil); w.Code != http.StatusOK {
		t.Errorf("public route = %d", w.Code)
	}

	if w := f.do(t, http.MethodPost, "/api/platforms/fake/disable", token, nil); w.Code != http.StatusOK {
		t.Fatalf("disable = %d %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodGet, "/api/platforms/fake/ping", token, nil); w.Code != http.StatusNotFound {
		t.Errorf("ping while disabled = %d", w.Code)
	}

	var info platform.Info
	decode(t, f.do(t, http.MethodGet, "/api/platforms/fake", token, nil), &info)
	if info.Enabled || info.Status != platform.StatusStopped {
		t.Errorf("info after disable %+v", info)
	}

	if w := f.do(t, http.MethodPost, "/api/platforms/fake/enable", token, nil); w.Code != http.StatusOK {
		t.Fatalf("enable = %d %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodGet, "/api/platforms/fake/ping", token, nil); w.Code != http.StatusOK {
		t.Errorf("ping after enable = %d", w.Code)
	}

	if w := f.do(t, http.MethodPost, "/api/platforms/nope/enable", token, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown platform = %d", w.Code)
	}
	if got := f.events.GetLastOfType(events.EventPlatformDisable, 10); len(got) != 1 {
		t.Errorf("platform_disable events = %d", len(got))
	}
}

func TestEventsList(t *testing.T) {
	f := newFixture(t, testEnv)
	token := f.login(t)
	f.events.Add(events.EventLineUpdated, "", "", true, "5551234567")

	var resp struct {
		Events []events.Event `json:"events"`
		LastID int64          `json:"lastId"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/events?type=line_updated", token, nil), &resp)
	if len(resp.Events) != 1 || resp.Events[0].Details != "5551234567" {
		t.Errorf("events = %+v", resp.Events)
	}

	decode(t, f.do(t, http.MethodGet, "/api/events?since=1", token, nil), &resp)
	for _, e := range resp.Events {
		if e.ID <= 1 {
			t.Errorf("event %d returned for since=1", e.ID)
		}
	}
}

func TestVersionWithoutUpdater(t *testing.T) {
	f := newFixture(t, testEnv)
	token := f.login(t)

	w := f.do(t, http.MethodGet, "/api/system/version", token, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"unknown"`) {
		t.Errorf("version = %d %s", w.Code, w.Body)
	}
	if w := f.do(t, http.MethodGet, "/api/system/update/check", token, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("check = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/system/update", token, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("perform = %d", w.Code)
	}
}

func TestStream(t *testing.T) {
	f := newFixture(t, testEnv)
	token := f.login(t)
	f.do(t, http.MethodPost, "/api/account", token, CredentialsRequest{Username: "user", Password: "secret"})

	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	header := http.Header{"Authorization": {"Bearer " + token}}

	if _, resp, err := websocket.DefaultDialer.Dial(url+"?ws_token=bogus", header); err == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bogus ws_token accepted: %v", err)
	}

	var tokenResp map[string]string
	decode(t, f.do(t, http.MethodGet, "/api/auth/ws-token", token, nil), &tokenResp)

	ws, _, err := websocket.DefaultDialer.Dial(url+"?ws_token="+tokenResp["token"], header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg StreamMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != "snapshot" || len(msg.Lines) != 2 {
		t.Fatalf("snapshot = %+v", msg)
	}

	if err := f.manager.RefreshLine(context.Background(), "5559876543"); err != nil {
		t.Fatalf("RefreshLine: %v", err)
	}
	for {
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if msg.Type == "update" && msg.Update.Line == "5559876543" {
			break
		}
	}
	if !msg.Update.Success || msg.Update.Details == nil {
		t.Errorf("update = %+v", msg.Update)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "10.0.0.5:5555", "10.0.0.5"},
		{"real ip", map[string]string{"X-Real-IP": "1.2.3.4"}, "10.0.0.5:5555", "1.2.3.4"},
		{"forwarded", map[string]string{"X-Forwarded-For": "5.6.7.8, 10.0.0.1"}, "10.0.0.5:5555", "5.6.7.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := getClientIP(r); got != tt.want {
				t.Errorf("getClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
