package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/cyclopcam/orchard/server/history"
	"github.com/cyclopcam/orchard/server/pipeline"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Finds a single case of apple scab in every image
type scabDetector struct {
	config nn.ModelConfig
}

func newScabDetector() *scabDetector {
	return &scabDetector{config: nn.ModelConfig{Classes: nn.AppleDiseaseClasses}}
}

func (d *scabDetector) Close() {}

func (d *scabDetector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *scabDetector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	return []nn.ObjectDetection{
		{Class: nn.ClassAppleScab, Confidence: 0.8, Box: nn.Rect{X: 10, Y: 10, Width: 50, Height: 50}},
	}, nil
}

type testClient struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
	jar    http.CookieJar
}

func newTestServer(t *testing.T, config Config) (*Server, *testClient) {
	s, err := NewServer(logs.NewTestingLog(t), config, newScabDetector())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Shutdown()
	})
	return s, newTestClient(t, srv)
}

// Each client has its own cookie jar, and therefore its own session
func newTestClient(t *testing.T, srv *httptest.Server) *testClient {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testClient{
		t:      t,
		srv:    srv,
		client: &http.Client{Jar: jar},
		jar:    jar,
	}
}

// Send a request, decode the JSON response into 'out' (if not nil), and return the status code
func (c *testClient) do(method, path string, body any, out any) int {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, reqBody)
	require.NoError(c.t, err)
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(c.t, json.Unmarshal(raw, out), string(raw))
	}
	return resp.StatusCode
}

func (c *testClient) getImage(path string) (*cimg.Image, int) {
	resp, err := c.client.Get(c.srv.URL + path)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	require.Equal(c.t, "image/jpeg", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	img, err := imagex.DecodeJPEG(raw)
	require.NoError(c.t, err)
	return img, resp.StatusCode
}

// Stream a single raw frame through the session's pipeline
func (c *testClient) streamOneFrame() {
	dialer := websocket.Dialer{Jar: c.jar}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(c.srv.URL, "http")+"/api/pipeline/stream", nil)
	require.NoError(c.t, err)
	defer conn.Close()

	width, height := 64, 48
	msg := []byte{2, byte(width), 0, byte(height), 0}
	msg = append(msg, make([]byte, width*height*3)...)
	require.NoError(c.t, conn.WriteMessage(websocket.BinaryMessage, msg))

	msgType, _, err := conn.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.BinaryMessage, msgType)
	msgType, _, err = conn.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.TextMessage, msgType)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Listen, cfg.Listen)

	dir := t.TempDir()
	fn := filepath.Join(dir, "orchard.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"listen": ":9000", "modelServer": {"url": "http://gpu:8000/predict"}}`), 0644))
	cfg, err = LoadConfig(fn)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "http://gpu:8000/predict", cfg.ModelServer.URL)
	require.Equal(t, pipeline.DefaultThreshold, cfg.DefaultThreshold)
	require.Equal(t, nn.AppleDiseaseClasses, cfg.ModelServer.Classes)

	require.NoError(t, os.WriteFile(fn, []byte(`{"modelServer": {"url": "http://gpu:8000/predict", "classFile": "/etc/orchard/classes.txt"}}`), 0644))
	cfg, err = LoadConfig(fn)
	require.NoError(t, err)
	require.Equal(t, "/etc/orchard/classes.txt", cfg.ModelServer.ClassFile)

	require.NoError(t, os.WriteFile(fn, []byte(`{"defaultThreshold": 1.5}`), 0644))
	_, err = LoadConfig(fn)
	require.Error(t, err)

	// Model config file overrides the inline size and classes
	mcFile := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(mcFile, []byte(`{"architecture": "yolov11", "width": 640, "height": 640, "classes": ["a", "b"]}`), 0644))
	ms := ModelServerConfig{URL: "http://localhost:1/predict", ModelConfig: mcFile, TimeoutMS: 250}
	msc, err := ms.clientConfig()
	require.NoError(t, err)
	require.Equal(t, 640, msc.Width)
	require.Equal(t, []string{"a", "b"}, msc.Classes)
	require.EqualValues(t, 250, msc.Timeout.Milliseconds())

	classFile := filepath.Join(dir, "classes.txt")
	require.NoError(t, os.WriteFile(classFile, []byte("apple_scab\n\nblack_rot\n"), 0644))
	ms = ModelServerConfig{URL: "http://localhost:1/predict", ClassFile: classFile}
	msc, err = ms.clientConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"apple_scab", "black_rot"}, msc.Classes)
}

func TestSessionRequired(t *testing.T) {
	_, c := newTestServer(t, DefaultConfig())
	require.Equal(t, http.StatusOK, c.do("GET", "/api/ping", nil, nil))
	require.Equal(t, http.StatusUnauthorized, c.do("GET", "/api/pipeline", nil, nil))
	require.Equal(t, http.StatusUnauthorized, c.do("POST", "/api/snapshot", nil, nil))
}

func TestPipelineConfig(t *testing.T) {
	_, c := newTestServer(t, DefaultConfig())

	sess := sessionJSON{}
	require.Equal(t, http.StatusOK, c.do("POST", "/api/session", nil, &sess))
	require.True(t, sess.Created)
	require.Equal(t, pipeline.DefaultThreshold, sess.DefaultThreshold)
	require.Equal(t, http.StatusOK, c.do("POST", "/api/session", nil, &sess))
	require.False(t, sess.Created)

	p := pipelineJSON{}
	require.Equal(t, http.StatusOK, c.do("GET", "/api/pipeline", nil, &p))
	require.False(t, p.Configured)

	// Threshold needs a pipeline
	require.Equal(t, http.StatusConflict, c.do("PUT", "/api/pipeline/threshold?value=0.5", nil, nil))

	// Rejected configurations
	require.Equal(t, http.StatusBadRequest, c.do("POST", "/api/pipeline", map[string]any{"threshold": 1.5}, nil))
	require.Equal(t, http.StatusBadRequest, c.do("POST", "/api/pipeline", map[string]any{"tracking": true, "tracker": "deepsort"}, nil))

	require.Equal(t, http.StatusOK, c.do("POST", "/api/pipeline", map[string]any{"threshold": 0.5, "tracking": true, "tracker": "botsort.yaml"}, &p))
	require.True(t, p.Configured)
	require.Equal(t, "tracking", p.Mode)
	require.Equal(t, "botsort", p.Tracker)
	require.EqualValues(t, 0.5, p.Threshold)

	type thresholdResponse struct {
		Threshold float32 `json:"threshold"`
	}
	th := thresholdResponse{}
	require.Equal(t, http.StatusOK, c.do("PUT", "/api/pipeline/threshold?value=0.75", nil, &th))
	require.EqualValues(t, 0.75, th.Threshold)
	require.Equal(t, http.StatusOK, c.do("PUT", "/api/pipeline/threshold?value=7", nil, &th))
	require.EqualValues(t, 1, th.Threshold)
	require.Equal(t, http.StatusBadRequest, c.do("PUT", "/api/pipeline/threshold?value=abc", nil, nil))
	require.Equal(t, http.StatusBadRequest, c.do("PUT", "/api/pipeline/threshold", nil, nil))

	require.Equal(t, http.StatusOK, c.do("GET", "/api/pipeline", nil, &p))
	require.EqualValues(t, 1, p.Threshold)
	require.EqualValues(t, 0.5, p.InitialThreshold)
}

func TestSnapshotAndHistory(t *testing.T) {
	config := DefaultConfig()
	config.CaptureLog = filepath.Join(t.TempDir(), "captures.sqlite")
	config.MaxHistory = 2
	_, c := newTestServer(t, config)

	require.Equal(t, http.StatusOK, c.do("POST", "/api/session", nil, nil))

	// Nothing has been processed yet
	require.Equal(t, http.StatusConflict, c.do("POST", "/api/snapshot", nil, nil))
	_, status := c.getImage("/api/pipeline/latest.jpg")
	require.Equal(t, http.StatusNotFound, status)

	// Streaming creates a default pipeline
	c.streamOneFrame()

	type diagnostics struct {
		Captures []struct {
			RecordID int64 `json:"recordID"`
		} `json:"captures"`
		Streams []struct {
			FramesProcessed int64 `json:"framesProcessed"`
		} `json:"streams"`
	}
	diag := diagnostics{}
	// The stream summary is written once the websocket handler is done
	require.Eventually(t, func() bool {
		return c.do("GET", "/api/diagnostics/captures", nil, &diag) == http.StatusOK && len(diag.Streams) == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, diag.Streams[0].FramesProcessed)

	p := pipelineJSON{}
	require.Equal(t, http.StatusOK, c.do("GET", "/api/pipeline", nil, &p))
	require.True(t, p.Configured)
	require.Equal(t, "detecting", p.Mode)
	require.EqualValues(t, 1, p.Stats.Processed)

	latest, status := c.getImage("/api/pipeline/latest.jpg")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, pipeline.TargetWidth, latest.Width)

	rec := history.Record{}
	require.Equal(t, http.StatusOK, c.do("POST", "/api/snapshot", nil, &rec))
	require.EqualValues(t, 1, rec.ID)
	require.Len(t, rec.Detections, 1)
	require.Equal(t, nn.ClassAppleScab, rec.Detections[0].Class)

	require.Equal(t, http.StatusOK, c.do("POST", "/api/snapshot", nil, &rec))
	require.EqualValues(t, 2, rec.ID)
	require.Equal(t, http.StatusConflict, c.do("POST", "/api/snapshot", nil, nil))

	records := []history.Record{}
	require.Equal(t, http.StatusOK, c.do("GET", "/api/history", nil, &records))
	require.Len(t, records, 2)

	img, status := c.getImage("/api/history/1/annotated.jpg")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, pipeline.TargetWidth, img.Width)
	require.Equal(t, pipeline.TargetHeight, img.Height)
	_, status = c.getImage("/api/history/1/original.jpg")
	require.Equal(t, http.StatusOK, status)
	_, status = c.getImage("/api/history/1/other.jpg")
	require.Equal(t, http.StatusBadRequest, status)
	_, status = c.getImage("/api/history/3/original.jpg")
	require.Equal(t, http.StatusNotFound, status)

	require.Equal(t, http.StatusOK, c.do("GET", "/api/diagnostics/captures", nil, &diag))
	require.Len(t, diag.Captures, 2)
	require.EqualValues(t, 2, diag.Captures[0].RecordID)

	// Diagnostics need a session, and only show that session's rows
	other := newTestClient(t, c.srv)
	require.Equal(t, http.StatusUnauthorized, other.do("GET", "/api/diagnostics/captures", nil, nil))
	require.Equal(t, http.StatusOK, other.do("POST", "/api/session", nil, nil))
	otherDiag := diagnostics{}
	require.Equal(t, http.StatusOK, other.do("GET", "/api/diagnostics/captures", nil, &otherDiag))
	require.Len(t, otherDiag.Captures, 0)
	require.Len(t, otherDiag.Streams, 0)

	// Ending the session discards the history
	require.Equal(t, http.StatusOK, c.do("DELETE", "/api/session", nil, nil))
	require.Equal(t, http.StatusUnauthorized, c.do("GET", "/api/history", nil, nil))
}

func TestEndSessionClosesStream(t *testing.T) {
	_, c := newTestServer(t, DefaultConfig())
	require.Equal(t, http.StatusOK, c.do("POST", "/api/session", nil, nil))

	dialer := websocket.Dialer{Jar: c.jar}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(c.srv.URL, "http")+"/api/pipeline/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, http.StatusOK, c.do("DELETE", "/api/session", nil, nil))
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "stream should have been closed by the server")
	}
}

func TestClasses(t *testing.T) {
	_, c := newTestServer(t, DefaultConfig())
	type classesResponse struct {
		Classes  []string     `json:"classes"`
		Diseases []nn.Disease `json:"diseases"`
	}
	resp := classesResponse{}
	require.Equal(t, http.StatusOK, c.do("GET", "/api/classes", nil, &resp))
	require.Equal(t, nn.AppleDiseaseClasses, resp.Classes)
	require.Len(t, resp.Diseases, len(nn.AppleDiseaseClasses))

	// Capture log is disabled by default
	require.Equal(t, http.StatusUnauthorized, c.do("GET", "/api/diagnostics/captures", nil, nil))
	require.Equal(t, http.StatusOK, c.do("POST", "/api/session", nil, nil))
	require.Equal(t, http.StatusNotFound, c.do("GET", "/api/diagnostics/captures", nil, nil))
}
