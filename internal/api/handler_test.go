package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go-bms-telemetry/internal/db"
	"go-bms-telemetry/internal/hub"
	"go-bms-telemetry/internal/ingest"
	"go-bms-telemetry/internal/metrics"
	"go-bms-telemetry/model"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenStore struct {
	*db.MemoryStore
}

func (brokenStore) Insert(context.Context, *model.Sample) error {
	return errors.New("write concern failed")
}

func (brokenStore) FindLatest(context.Context, int) ([]*model.Sample, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) FindAll(context.Context) ([]*model.Sample, error) {
	return nil, errors.New("connection refused")
}

// chanConn is a hub.Conn that hands written frames to the test.
type chanConn struct {
	frames chan []byte
}

func (c chanConn) WriteMessage(_ int, data []byte) error {
	c.frames <- data
	return nil
}

func (c chanConn) Close() error { return nil }

type fixture struct {
	app   *fiber.App
	hub   *hub.Hub
	store db.SampleStore
}

func newFixture(t *testing.T, store db.SampleStore) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	m := metrics.New()
	h := hub.NewHub(&logger, m, 8)
	t.Cleanup(h.Close)

	svc := ingest.NewService(&logger, store, ingest.Options{
		Timeout:    time.Second,
		Metrics:    m,
		Publishers: []ingest.Publisher{h},
	})

	handler := NewHandler(&logger, svc, h)
	app := fiber.New(fiber.Config{ErrorHandler: handler.HandleError})
	handler.Register(app)
	return &fixture{app: app, hub: h, store: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func TestPostBatteryData(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore())

	status, body := f.do(t, http.MethodPost, "/battery-data",
		`{"timestamp":"2024-01-01T00:00:00Z","voltage":0,"soc":0}`)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"message":"Data received"}`, body)

	status, body = f.do(t, http.MethodGet, "/latest-data", "")
	require.Equal(t, http.StatusOK, status)

	var latest map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &latest))
	assert.Equal(t, 0.0, latest["voltage"])
	assert.Equal(t, 0.0, latest["soc"])
	assert.Equal(t, true, latest["is_charging"])
	assert.Nil(t, latest["temperature"])
	assert.Contains(t, latest, "temperature")
	assert.Nil(t, latest["charging_current"])
	assert.NotEmpty(t, latest["id"])
}

func TestPostBatteryDataValidation(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore())

	status, body := f.do(t, http.MethodPost, "/battery-data", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"error":"Missing body"}`, body)

	status, body = f.do(t, http.MethodPost, "/battery-data", `{"timestamp":"2024-01-01T00:00:00Z","soc":40}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"error":"Missing required fields"}`, body)

	status, body = f.do(t, http.MethodPost, "/battery-data", `{"timestamp":"later","voltage":3.7,"soc":40}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, `"error":"Invalid field"`)
	assert.Contains(t, body, `timestamp`)

	status, _ = f.do(t, http.MethodPost, "/battery-data", `{"timestamp":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/historical-data", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, body)
}

func TestEmptyStoreQueries(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore())

	status, body := f.do(t, http.MethodGet, "/latest-data", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{}`, body)

	status, body = f.do(t, http.MethodGet, "/historical-data", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, body)
}

func TestHistoricalDataAscending(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore())

	for _, minute := range []int{3, 1, 2} {
		status, _ := f.do(t, http.MethodPost, "/battery-data",
			fmt.Sprintf(`{"timestamp":"2024-01-01T00:0%d:00Z","voltage":3.7,"soc":50,"temperature":25}`, minute))
		require.Equal(t, http.StatusOK, status)
	}

	status, body := f.do(t, http.MethodGet, "/historical-data", "")
	require.Equal(t, http.StatusOK, status)

	var history []model.Sample
	require.NoError(t, json.Unmarshal([]byte(body), &history))
	require.Len(t, history, 3)
	for i, minute := range []int{1, 2, 3} {
		assert.Equal(t, minute, history[i].Timestamp.Minute())
		require.NotNil(t, history[i].Temperature)
		assert.Equal(t, 25.0, *history[i].Temperature)
	}

	status, body = f.do(t, http.MethodGet, "/latest-data", "")
	require.Equal(t, http.StatusOK, status)
	var latest model.Sample
	require.NoError(t, json.Unmarshal([]byte(body), &latest))
	assert.Equal(t, 3, latest.Timestamp.Minute())
}

func TestStoreFailures(t *testing.T) {
	f := newFixture(t, brokenStore{db.NewMemoryStore()})

	conn := chanConn{frames: make(chan []byte, 1)}
	_, err := f.hub.Register(conn)
	require.NoError(t, err)

	status, body := f.do(t, http.MethodPost, "/battery-data",
		`{"timestamp":"2024-01-01T00:00:00Z","voltage":3.7,"soc":50}`)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.JSONEq(t, `{"error":"Database error","details":"write concern failed"}`, body)

	select {
	case frame := <-conn.frames:
		t.Fatalf("failed write was broadcast: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}

	status, body = f.do(t, http.MethodGet, "/latest-data", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.JSONEq(t, `{"error":"Database error","details":"connection refused"}`, body)

	status, body = f.do(t, http.MethodGet, "/historical-data", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.JSONEq(t, `{"error":"Database error","details":"connection refused"}`, body)
}

func TestOutOfRangeTimestampKeepsQueriesWorking(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore())

	for _, ts := range []string{`1e15`, `1e300`, `"9999-12-31T23:30:00-01:00"`} {
		status, body := f.do(t, http.MethodPost, "/battery-data",
			fmt.Sprintf(`{"timestamp":%s,"voltage":3.7,"soc":50}`, ts))
		assert.Equal(t, http.StatusBadRequest, status, ts)
		assert.Contains(t, body, `"error":"Invalid field"`, ts)
	}

	status, _ := f.do(t, http.MethodPost, "/battery-data", `{"timestamp":"2024-01-01T00:00:00Z","voltage":3.7,"soc":50}`)
	require.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodGet, "/latest-data", "")
	assert.Equal(t, http.StatusOK, status)
	status, body := f.do(t, http.MethodGet, "/historical-data", "")
	assert.Equal(t, http.StatusOK, status)

	var history []model.Sample
	require.NoError(t, json.Unmarshal([]byte(body), &history))
	assert.Len(t, history, 1)
}

func TestEveryAcceptedSampleIsBroadcast(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore())

	conn := chanConn{frames: make(chan []byte, 8)}
	_, err := f.hub.Register(conn)
	require.NoError(t, err)

	accepted := []string{
		`{"timestamp":"9999-12-31T23:59:59Z","voltage":3.7,"soc":50}`,
		`{"timestamp":"0000-01-01T00:00:00Z","voltage":3.7,"soc":50}`,
		`{"timestamp":253402300799999,"voltage":"3.7","soc":"50"}`,
		`{"timestamp":-62167219200000,"voltage":0,"soc":0,"temperature":0}`,
		`{"timestamp":"2024-01-01 00:00:00","voltage":3.7,"soc":50,"temperature":""}`,
	}
	for _, in := range accepted {
		status, body := f.do(t, http.MethodPost, "/battery-data", in)
		require.Equal(t, http.StatusOK, status, body)

		select {
		case frame := <-conn.frames:
			var pushed model.Sample
			assert.NoError(t, json.Unmarshal(frame, &pushed), in)
		case <-time.After(time.Second):
			t.Fatalf("no broadcast for %s", in)
		}
	}

	status, _ := f.do(t, http.MethodGet, "/latest-data", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodGet, "/historical-data", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestHandleErrorKeepsJSONShape(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore())
	f.app.Get("/encode-failure", func(c *fiber.Ctx) error {
		return c.JSON(math.Inf(1))
	})
	f.app.Get("/too-large", func(c *fiber.Ctx) error {
		return fiber.ErrRequestEntityTooLarge
	})

	status, body := f.do(t, http.MethodGet, "/encode-failure", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.JSONEq(t, `{"error":"Internal error"}`, body)

	status, body = f.do(t, http.MethodGet, "/too-large", "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.JSONEq(t, `{"error":"Request Entity Too Large"}`, body)
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore())

	status, body := f.do(t, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusUpgradeRequired, status)
	assert.JSONEq(t, `{"error":"Upgrade Required"}`, body)
}

func TestLiveSubscriberReceivesAcceptedSamples(t *testing.T) {
	f := newFixture(t, db.NewMemoryStore())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go f.app.Listener(ln)
	t.Cleanup(func() { f.app.Shutdown() })
	addr := ln.Addr().String()

	ws, _, err := fws.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Post("http://"+addr+"/battery-data", "application/json",
		bytes.NewBufferString(`{"timestamp":"2024-01-01T00:00:00Z","voltage":3.7,"soc":80,"temperature":22.5}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, fws.TextMessage, msgType)

	var pushed model.Sample
	require.NoError(t, json.Unmarshal(frame, &pushed))
	assert.Equal(t, 3.7, pushed.Voltage)
	assert.Equal(t, 80.0, pushed.SOC)
	assert.True(t, pushed.IsCharging)

	ws.Close()
	assert.Eventually(t, func() bool { return f.hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
