package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/rupamthxt/visionvec/internal/artifact"
	"github.com/rupamthxt/visionvec/internal/pipeline"
	"github.com/rupamthxt/visionvec/internal/session"
	"github.com/rupamthxt/visionvec/internal/store"
	"github.com/rupamthxt/visionvec/internal/vision"
)

type testServer struct {
	app       *fiber.App
	db        *store.DB
	artifacts artifact.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	db := store.NewDB(store.DBOptions{}, logger)
	t.Cleanup(func() { db.Close() })
	if err := db.CreateCollection(context.Background(), "frames", 64, store.MetricCosine); err != nil {
		t.Fatal(err)
	}
	artifacts, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	processor := pipeline.NewProcessor(pipeline.Config{MaxConcurrency: 2},
		vision.NewDarkRegionDetector(100, 1), vision.NewHistogramEmbedder(4), artifacts, logger)
	sessions := session.NewManager(session.Config{Collection: "frames"}, processor, db, logger)

	snapPath := t.TempDir() + "/visionvec.snap"
	snapshot := func(context.Context) (string, error) { return snapPath, db.Save(snapPath) }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHandler(db, artifacts, snapshot, logger)
	return &testServer{app: NewApp(ctx, h, sessions, Options{}, logger), db: db, artifacts: artifacts}
}

func (s *testServer) do(t *testing.T, method, target string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func unit(i int) []float32 {
	v := make([]float32, 64)
	v[i] = 1
	return v
}

func TestPointLifecycle(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "POST", "/api/v1/collections/frames/points", InsertRequest{
		Vector:  unit(0),
		Payload: store.Payload{"label": "cat"},
	})
	if status != fiber.StatusOK {
		t.Fatalf("insert: %d %s", status, body)
	}
	var inserted struct{ ID string }
	json.Unmarshal(body, &inserted)
	if inserted.ID == "" {
		t.Fatalf("insert returned no id: %s", body)
	}

	status, body = s.do(t, "PATCH", "/api/v1/collections/frames/points/"+inserted.ID+"/payload",
		UpdatePayloadRequest{Payload: store.Payload{"width": 10}})
	if status != fiber.StatusOK {
		t.Fatalf("update payload: %d %s", status, body)
	}

	status, body = s.do(t, "GET", "/api/v1/collections/frames/points/"+inserted.ID, nil)
	if status != fiber.StatusOK {
		t.Fatalf("fetch: %d %s", status, body)
	}
	var point PointResponse
	json.Unmarshal(body, &point)
	want := PointResponse{ID: inserted.ID, Vector: unit(0), Payload: store.Payload{"label": "cat", "width": float64(10)}}
	if diff := cmp.Diff(want, point); diff != "" {
		t.Errorf("fetched point mismatch (-want +got):\n%s", diff)
	}

	status, body = s.do(t, "GET", "/api/v1/collections/frames", nil)
	var coll CollectionResponse
	json.Unmarshal(body, &coll)
	if status != fiber.StatusOK || coll.Count != 1 {
		t.Errorf("collection: %d %s", status, body)
	}

	if status, _ := s.do(t, "DELETE", "/api/v1/collections/frames/points/"+inserted.ID, nil); status != fiber.StatusNoContent {
		t.Errorf("delete: %d", status)
	}
	if status, _ := s.do(t, "GET", "/api/v1/collections/frames/points/"+inserted.ID, nil); status != fiber.StatusNotFound {
		t.Errorf("fetch after delete: %d", status)
	}
}

func TestSearchEndpoint(t *testing.T) {
	s := newTestServer(t)
	for i, label := range []string{"a", "b", "c"} {
		s.do(t, "POST", "/api/v1/collections/frames/points", InsertRequest{
			ID:      label,
			Vector:  unit(i),
			Payload: store.Payload{"group": i % 2},
		})
	}

	status, body := s.do(t, "POST", "/api/v1/collections/frames/search", SearchRequest{Vector: unit(1), TopK: 2})
	if status != fiber.StatusOK {
		t.Fatalf("search: %d %s", status, body)
	}
	var resp SearchResponse
	json.Unmarshal(body, &resp)
	if len(resp.Results) != 2 || resp.Results[0].ID != "b" || resp.Results[0].Score < 0.999 {
		t.Errorf("unexpected results %s", body)
	}

	_, body = s.do(t, "POST", "/api/v1/collections/frames/search", SearchRequest{
		Vector: unit(1),
		Filter: store.Filter{"group": 0},
	})
	json.Unmarshal(body, &resp)
	for _, r := range resp.Results {
		if r.ID == "b" {
			t.Errorf("filter let through %s", body)
		}
	}
	if len(resp.Results) != 2 {
		t.Errorf("expected 2 filtered results, got %s", body)
	}
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name   string
		method string
		target string
		body   any
		want   int
	}{
		{"unknown collection", "GET", "/api/v1/collections/nope", nil, fiber.StatusNotFound},
		{"dimension mismatch", "POST", "/api/v1/collections/frames/points", InsertRequest{Vector: []float32{1, 2}}, fiber.StatusBadRequest},
		{"missing vector", "POST", "/api/v1/collections/frames/search", SearchRequest{}, fiber.StatusBadRequest},
		{"zero vector", "POST", "/api/v1/collections/frames/points", InsertRequest{Vector: make([]float32, 64)}, fiber.StatusBadRequest},
		{"collection conflict", "PUT", "/api/v1/collections/frames", CreateCollectionRequest{Dimension: 3}, fiber.StatusConflict},
		{"bad collection name", "PUT", "/api/v1/collections/Bad-Name", CreateCollectionRequest{Dimension: 3}, fiber.StatusBadRequest},
		{"nested filter", "POST", "/api/v1/collections/frames/search", map[string]any{
			"vector": unit(0), "filter": map[string]any{"a": []int{1}},
		}, fiber.StatusBadRequest},
		{"missing payload", "PATCH", "/api/v1/collections/frames/points/x/payload", UpdatePayloadRequest{}, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := s.do(t, tt.method, tt.target, tt.body); status != tt.want {
				t.Errorf("expected %d, got %d %s", tt.want, status, body)
			}
		})
	}
}

func TestCreateCollectionIdempotent(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 2; i++ {
		if status, body := s.do(t, "PUT", "/api/v1/collections/crops", CreateCollectionRequest{Dimension: 3}); status != fiber.StatusOK {
			t.Fatalf("attempt %d: %d %s", i, status, body)
		}
	}
}

func TestArtifactDownload(t *testing.T) {
	s := newTestServer(t)
	key := artifact.NewKey(artifact.KindFrame, "png")
	if err := s.artifacts.Put(context.Background(), key, []byte("png-bytes")); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/api/v1/artifacts/"+key, nil)
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "png-bytes" {
		t.Fatalf("download: %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("unexpected content type %q", ct)
	}

	if status, _ := s.do(t, "GET", "/api/v1/artifacts/frames/../../etc/passwd", nil); status == fiber.StatusOK {
		t.Error("path traversal was served")
	}
	if status, _ := s.do(t, "GET", "/api/v1/artifacts/"+artifact.NewKey(artifact.KindCrop, "jpg"), nil); status != fiber.StatusNotFound {
		t.Errorf("missing artifact: %d", status)
	}
}

func TestSnapshotAndHealth(t *testing.T) {
	s := newTestServer(t)
	if status, body := s.do(t, "POST", "/admin/snapshot", nil); status != fiber.StatusOK || !strings.Contains(string(body), "snapshot_saved") {
		t.Errorf("snapshot: %d %s", status, body)
	}
	if status, _ := s.do(t, "GET", "/healthz", nil); status != fiber.StatusOK {
		t.Errorf("healthz: %d", status)
	}
	if status, body := s.do(t, "GET", "/metrics", nil); status != fiber.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics: %d", status)
	}
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t)
	if status, _ := s.do(t, "GET", "/ws", nil); status != fiber.StatusUpgradeRequired {
		t.Errorf("expected 426, got %d", status)
	}
}

func TestWebSocketSession(t *testing.T) {
	s := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.app.Listener(ln)
	t.Cleanup(func() { s.app.Shutdown() })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var env session.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Event != session.EventStatus || !strings.Contains(string(env.Data), "connected to server") {
		t.Fatalf("unexpected greeting %s %s", env.Event, env.Data)
	}

	if err := conn.WriteJSON(map[string]any{"event": session.EventSearchVector, "data": map[string]any{}}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Event != session.EventError {
		t.Errorf("expected error for empty search, got %s %s", env.Event, env.Data)
	}

	vec := unit(3)
	if err := conn.WriteJSON(map[string]any{"event": session.EventSearchVector, "data": map[string]any{"vector": vec}}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Event != session.EventSearchResult || !strings.Contains(string(env.Data), `"image":[]`) {
		t.Errorf("expected empty search result, got %s %s", env.Event, env.Data)
	}
}
