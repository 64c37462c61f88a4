package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/edgemsgr/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("osd.1", "GET", "/health", 200, 12*time.Millisecond)
	RecordMessage("osd.1", DirectionSent, 120)
	RecordWireBytes("osd.1", DirectionReceived, 9)
	RecordDropped("osd.1", "duplicate")
	RecordFault("osd.1", "backoff")
	RecordHandshakeReply("osd.1", "client", "READY")
	RecordArbitration("osd.1", "replace")
	RecordThrottleStall("osd.1", "messages")
	RecordHandshake("osd.1", "server", 3*time.Millisecond)

	log.Debug().Msg("observability/metrics: registration idempotent and recording paths executed")
}

func TestRecordMessageCounts(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(msgrMessages.WithLabelValues("mon.7", DirectionReceived))
	RecordMessage("mon.7", DirectionReceived, 64)
	RecordMessage("mon.7", DirectionReceived, 64)
	after := testutil.ToFloat64(msgrMessages.WithLabelValues("mon.7", DirectionReceived))
	if after-before != 2 {
		t.Fatalf("expected 2 recorded messages, got %v", after-before)
	}
	if got := testutil.ToFloat64(msgrBytes.WithLabelValues("mon.7", DirectionReceived)); got < 128 {
		t.Fatalf("expected at least 128 bytes, got %v", got)
	}
}

func TestRequestMiddlewareRecordsRoute(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(log.Logger, "mds.2"), RequestMetricsMiddleware("mds.2"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	got := testutil.ToFloat64(httpRequests.WithLabelValues("mds.2", http.MethodGet, "/health", "200"))
	if got != 1 {
		t.Fatalf("expected one recorded request, got %v", got)
	}
}

func TestRequestMiddlewareBoundsUnmatchedRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestMetricsMiddleware("mds.3"))
	r.GET("/peers", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/wp-admin", "/peers/osd.1/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	got := testutil.ToFloat64(httpRequests.WithLabelValues("mds.3", http.MethodGet, UnmatchedRoute, "404"))
	if got != 2 {
		t.Fatalf("expected two unmatched requests, got %v", got)
	}
}

func TestRequestLoggerTagsNodeAndPeer(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	r := gin.New()
	r.Use(RequestLogger(logger, "osd.4"))
	r.POST("/peers/:peer/notes", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/peers/mon.2/notes", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"level":     "info",
		"node":      "osd.4",
		"peer":      "mon.2",
		"peer_type": "mon",
		"route":     "/peers/:peer/notes",
		"message":   "admin: request",
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("log field %s: got %v want %v (line %s)", k, line[k], v, buf.String())
		}
	}
}

func TestRequestLoggerQuietsPolledRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	r := gin.New()
	r.Use(RequestLogger(logger, "osd.4"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if buf.Len() != 0 {
		t.Fatalf("expected health check below info, got %s", buf.String())
	}
}
