// Package modelserver is an nn.ObjectDetector that delegates inference to a remote
// model server over HTTP.
//
// The server receives a JPEG as the request body, with the query parameters
// conf (minimum confidence), iou (NMS threshold) and model (optional model name),
// and responds with:
//
//	{"detections": [{"class": 0, "name": "apple_scab", "confidence": 0.87, "box": {"x1": 10, "y1": 20, "x2": 110, "y2": 90}}]}
//
// Box coordinates are pixels of the image that was sent.
package modelserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/cyclopcam/www"
)

var ErrMalformedResponse = errors.New("malformed response from model server")
var ErrClosed = errors.New("model server client is closed")

type Config struct {
	URL         string        // eg http://localhost:8000/predict
	Model       string        // Sent as the 'model' query parameter, if not empty
	Width       int           // Model input width. If zero, images are sent at their native size.
	Height      int           // Model input height
	Classes     []string      // Class names, used when the server omits them
	Timeout     time.Duration // Per request timeout
	JPEGQuality int
}

func DefaultConfig() Config {
	return Config{
		URL:         "http://127.0.0.1:8000/predict",
		Timeout:     5 * time.Second,
		JPEGQuality: 90,
		Classes:     nn.AppleDiseaseClasses,
	}
}

type responseJSON struct {
	Detections []detectionJSON `json:"detections"`
}

type detectionJSON struct {
	Class      int     `json:"class"`
	Name       string  `json:"name"`
	Confidence float32 `json:"confidence"`
	Box        boxJSON `json:"box"`
}

type boxJSON struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Client is safe for concurrent use
type Client struct {
	log         logs.Log
	config      Config
	modelConfig nn.ModelConfig
	closed      atomic.Bool
}

func New(log logs.Log, config Config) (*Client, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("Invalid model server URL '%v': %w", config.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("Invalid model server URL '%v': scheme must be http or https", config.URL)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.JPEGQuality <= 0 || config.JPEGQuality > 100 {
		config.JPEGQuality = DefaultConfig().JPEGQuality
	}
	return &Client{
		log:    log,
		config: config,
		modelConfig: nn.ModelConfig{
			Architecture: "remote",
			Width:        config.Width,
			Height:       config.Height,
			Classes:      config.Classes,
		},
	}, nil
}

func (c *Client) Close() {
	c.closed.Store(true)
}

func (c *Client) Config() *nn.ModelConfig {
	return &c.modelConfig
}

func (c *Client) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if params == nil {
		params = nn.NewDetectionParams()
	}
	jpg, err := imagex.EncodeJPEG(img.ToImage(), c.config.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("Failed to encode frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("conf", strconv.FormatFloat(float64(params.ProbabilityThreshold), 'f', -1, 32))
	q.Set("iou", strconv.FormatFloat(float64(params.NmsIouThreshold), 'f', -1, 32))
	if c.config.Model != "" {
		q.Set("model", c.config.Model)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.config.URL+"?"+q.Encode(), bytes.NewReader(jpg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp := responseJSON{}
	if err := www.FetchJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("Model server request failed: %w", err)
	}
	return c.convert(&resp, img, params)
}

// Validate the server's response, and turn it into our own representation
func (c *Client) convert(resp *responseJSON, img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	clip := nn.Rect{X: 0, Y: 0, Width: int32(img.CropWidth), Height: int32(img.CropHeight)}
	objects := make([]nn.ObjectDetection, 0, len(resp.Detections))
	for i, d := range resp.Detections {
		if !isFinite(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
			return nil, fmt.Errorf("%w: detection %v has confidence %v", ErrMalformedResponse, i, d.Confidence)
		}
		b := d.Box
		if !isFinite(b.X1) || !isFinite(b.Y1) || !isFinite(b.X2) || !isFinite(b.Y2) || b.X2 < b.X1 || b.Y2 < b.Y1 {
			return nil, fmt.Errorf("%w: detection %v has box %v,%v,%v,%v", ErrMalformedResponse, i, b.X1, b.Y1, b.X2, b.Y2)
		}
		if d.Class < 0 {
			return nil, fmt.Errorf("%w: detection %v has class %v", ErrMalformedResponse, i, d.Class)
		}
		if d.Confidence < params.ProbabilityThreshold {
			continue
		}
		label := d.Name
		if label == "" {
			label = c.modelConfig.ClassName(d.Class)
		}
		box := nn.MakeRect(int32(math32.Round(b.X1)), int32(math32.Round(b.Y1)), int32(math32.Round(b.X2)), int32(math32.Round(b.Y2)))
		if !params.Unclipped {
			box = box.Intersection(clip)
			if box.IsEmpty() {
				continue
			}
		}
		objects = append(objects, nn.ObjectDetection{
			Class:      d.Class,
			Label:      label,
			Confidence: d.Confidence,
			Box:        box,
		})
	}
	if params.NmsIouThreshold <= 0 {
		return objects, nil
	}
	return nn.NonMaxSuppression(objects, params.NmsIouThreshold), nil
}

func isFinite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
