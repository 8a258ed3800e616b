package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"cropline/internal/config"
	"cropline/internal/db"
	"cropline/internal/engine"
	"cropline/internal/migrate"
	"cropline/internal/seed"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := seed.Run(context.Background(), conn); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyUserHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestCropLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	alice := map[string]string{"X-User-Id": "alice"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/crops", map[string]any{
		"crop_type":  "Spinach",
		"nickname":   "balcony spinach",
		"start_date": "2025-04-01T00:00:00Z",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start crop status %d: %s", res.StatusCode, string(data))
	}
	var created CropResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal crop: %v", err)
	}
	if len(created.Steps) != 7 {
		t.Fatalf("got %d steps, want 7", len(created.Steps))
	}
	cropID := created.Crop.ID

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/crops/"+cropID+"/next-steps", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next steps status %d: %s", res.StatusCode, string(data))
	}
	var next StepListResponse
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal next: %v", err)
	}
	if len(next.Steps) != 1 || next.Steps[0].StepType != "GettingSeeds" {
		t.Fatalf("next steps = %+v", next.Steps)
	}
	stepID := next.Steps[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/"+stepID+"/transition", map[string]any{
		"trigger": "Start",
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var transitioned StepResponse
	if err := json.Unmarshal(data, &transitioned); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if string(transitioned.Step.CurrentState) != "InProgress" {
		t.Errorf("state = %s, want InProgress", transitioned.Step.CurrentState)
	}

	// firing Start again is not a permitted edge
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/steps/"+stepID+"/transition", map[string]any{
		"trigger": "Start",
	}, alice)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("repeat transition status %d: %s", res.StatusCode, string(data))
	}
	var envlp struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envlp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envlp.Error.Code != "invalid_transition" {
		t.Errorf("error code = %s, want invalid_transition", envlp.Error.Code)
	}
}

func TestAuthAndOwnership(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	alice := map[string]string{"X-User-Id": "alice"}
	bob := map[string]string{"X-User-Id": "bob"}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/crops", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/crops", map[string]any{
		"crop_type":  "Carrot",
		"nickname":   "carrots",
		"start_date": "2025-04-01T00:00:00Z",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start crop status %d: %s", res.StatusCode, string(data))
	}
	var created CropResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/crops/"+created.Crop.ID, nil, bob)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-user access status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/crops", map[string]any{
		"crop_type":  "Kudzu",
		"nickname":   "nope",
		"start_date": "2025-04-01T00:00:00Z",
	}, alice)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown crop type status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
