package server

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/orchard/pkg/modelserver"
	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/cyclopcam/orchard/server/pipeline"
)

// Config is loaded from a JSON file. Missing fields take their values from DefaultConfig.
type Config struct {
	Listen                    string            `json:"listen"`                    // eg ":8080"
	ModelServer               ModelServerConfig `json:"modelServer"`               // Where inference runs
	CaptureLog                string            `json:"captureLog"`                // Path to a sqlite DB of captures and stream summaries. Empty disables it.
	SessionIdleTimeoutSeconds int               `json:"sessionIdleTimeoutSeconds"` // Sessions are discarded after this long without a request. Zero means never.
	DefaultThreshold          float32           `json:"defaultThreshold"`          // Used when a pipeline is created without an explicit threshold
	MaxHistory                int               `json:"maxHistory"`                // Maximum number of snapshots per session. Zero means unlimited.
	SnapshotsPerMinute        int               `json:"snapshotsPerMinute"`        // Rate limit per IP
	SessionsPerMinute         int               `json:"sessionsPerMinute"`         // Rate limit per IP
	StreamJPEGQuality         int               `json:"streamJPEGQuality"`         // Quality of annotated frames sent back over the stream
	ImageJPEGQuality          int               `json:"imageJPEGQuality"`          // Quality of history and latest-frame images
}

type ModelServerConfig struct {
	URL         string   `json:"url"`         // eg http://127.0.0.1:8000/predict
	Model       string   `json:"model"`       // Optional model name, passed through to the model server
	ModelConfig string   `json:"modelConfig"` // Optional path to a JSON file with width, height and classes (see nn.ModelConfig)
	ClassFile   string   `json:"classFile"`   // Optional path to a text file with one class name per line. A model config with classes takes precedence
	Width       int      `json:"width"`       // Model input size. Zero sends frames at their native size.
	Height      int      `json:"height"`      //
	Classes     []string `json:"classes"`     // Class names, if the model server doesn't send them
	TimeoutMS   int      `json:"timeoutMS"`   // Per request timeout
	JPEGQuality int      `json:"jpegQuality"` // Quality of frames sent to the model server
}

func DefaultConfig() Config {
	ms := modelserver.DefaultConfig()
	return Config{
		Listen: ":8080",
		ModelServer: ModelServerConfig{
			URL:         ms.URL,
			Classes:     ms.Classes,
			TimeoutMS:   int(ms.Timeout.Milliseconds()),
			JPEGQuality: ms.JPEGQuality,
		},
		SessionIdleTimeoutSeconds: 4 * 3600,
		DefaultThreshold:          pipeline.DefaultThreshold,
		SnapshotsPerMinute:        60,
		SessionsPerMinute:         20,
		StreamJPEGQuality:         80,
		ImageJPEGQuality:          90,
	}
}

// LoadConfig reads a JSON config file on top of the defaults.
// If filename is empty, the defaults are returned.
func LoadConfig(filename string) (Config, error) {
	cfg := DefaultConfig()
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("Error parsing config file %v: %w", filename, err)
		}
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address may not be empty")
	}
	if math32.IsNaN(c.DefaultThreshold) || c.DefaultThreshold < 0 || c.DefaultThreshold > 1 {
		return fmt.Errorf("defaultThreshold must be between 0 and 1, but is %v", c.DefaultThreshold)
	}
	if c.MaxHistory < 0 {
		return fmt.Errorf("maxHistory may not be negative")
	}
	if c.SnapshotsPerMinute <= 0 || c.SessionsPerMinute <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.StreamJPEGQuality <= 0 || c.StreamJPEGQuality > 100 || c.ImageJPEGQuality <= 0 || c.ImageJPEGQuality > 100 {
		return fmt.Errorf("JPEG quality must be between 1 and 100")
	}
	if c.ModelServer.URL == "" {
		return fmt.Errorf("modelServer.url may not be empty")
	}
	return nil
}

func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSeconds) * time.Second
}

// Build the model server client config. If a model config file is specified, then
// its size and classes override the inline values.
func (c *ModelServerConfig) clientConfig() (modelserver.Config, error) {
	out := modelserver.DefaultConfig()
	out.URL = c.URL
	out.Model = c.Model
	out.Width = c.Width
	out.Height = c.Height
	if len(c.Classes) != 0 {
		out.Classes = c.Classes
	}
	if c.TimeoutMS > 0 {
		out.Timeout = time.Duration(c.TimeoutMS) * time.Millisecond
	}
	if c.JPEGQuality > 0 {
		out.JPEGQuality = c.JPEGQuality
	}
	if c.ClassFile != "" {
		classes, err := nn.LoadClassFile(c.ClassFile)
		if err != nil {
			return out, fmt.Errorf("Failed to load class file %v: %w", c.ClassFile, err)
		}
		out.Classes = classes
	}
	if c.ModelConfig != "" {
		mc, err := nn.LoadModelConfig(c.ModelConfig)
		if err != nil {
			return out, fmt.Errorf("Failed to load model config %v: %w", c.ModelConfig, err)
		}
		out.Width = mc.Width
		out.Height = mc.Height
		if len(mc.Classes) != 0 {
			out.Classes = mc.Classes
		}
	}
	return out, nil
}
