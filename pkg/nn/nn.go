package nn

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// Package nn is a Neural Network interface layer.
// Concrete detectors (eg the model server client) live in their own packages.

const DefaultProbabilityThreshold = 0.4
const DefaultNmsIouThreshold = 0.45

var ErrUnsupportedImage = errors.New("image must have 3 channels")

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Objects with a confidence below this are discarded.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one.
	Unclipped            bool    // If true, don't clip boxes to the neural network boundaries
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		Unclipped:            false,
	}
}

// ImageCrop is a crop of an image.
// To create an ImageCrop, start with WholeImage(), and then use Crop() to get a sub-crop.
type ImageCrop struct {
	Format      cimg.PixelFormat // RGB or BGR
	Pixels      []byte           // The whole image
	Stride      int              // Bytes per row of the whole image
	ImageWidth  int              // The width of the original image, held in Pixels
	ImageHeight int              // The height of the original image, held in Pixels
	CropX       int              // Origin of crop X
	CropY       int              // Origin of crop Y
	CropWidth   int              // The width of this crop
	CropHeight  int              // The height of this crop
}

// Return a crop of the crop (new crop is relative to existing).
// If any parameter is out of bounds, we panic
func (c ImageCrop) Crop(x1, y1, x2, y2 int) ImageCrop {
	nc := c
	nc.CropX = c.CropX + x1
	nc.CropY = c.CropY + y1
	nc.CropWidth = x2 - x1
	nc.CropHeight = y2 - y1
	if nc.CropX < 0 || nc.CropY < 0 || nc.CropWidth < 0 || nc.CropHeight < 0 || nc.CropX+nc.CropWidth > c.ImageWidth || nc.CropY+nc.CropHeight > c.ImageHeight {
		panic("Crop out of bounds")
	}
	return nc
}

// ToImage copies the crop out into a new, tightly packed image
func (c ImageCrop) ToImage() *cimg.Image {
	whole := cimg.WrapImageStrided(c.ImageWidth, c.ImageHeight, c.Format, c.Pixels, c.Stride)
	out := cimg.NewImage(c.CropWidth, c.CropHeight, c.Format)
	out.CopyImageRect(whole, c.CropX, c.CropY, c.CropX+c.CropWidth, c.CropY+c.CropHeight, 0, 0)
	return out
}

// Return a 'crop' of the entire image
func WholeImage(img *cimg.Image) (ImageCrop, error) {
	if img == nil || img.NChan() != 3 {
		return ImageCrop{}, ErrUnsupportedImage
	}
	return ImageCrop{
		Format:      img.Format,
		Pixels:      img.Pixels,
		Stride:      img.Stride,
		ImageWidth:  img.Width,
		ImageHeight: img.Height,
		CropX:       0,
		CropY:       0,
		CropWidth:   img.Width,
		CropHeight:  img.Height,
	}, nil
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close releases any resources held by the detector
	Close()

	// DetectObjects returns a list of objects detected in the image.
	// Box coordinates are relative to the crop.
	// You can create a default DetectionParams with NewDetectionParams()
	DetectObjects(img ImageCrop, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov11"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["apple_scab", "black_rot", ...]
}

// Return the class name, or an empty string if the index is out of range
func (c *ModelConfig) ClassName(class int) string {
	if class < 0 || class >= len(c.Classes) {
		return ""
	}
	return c.Classes[class]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
