// Package annotate renders detection boxes and labels onto frames
package annotate

import (
	"fmt"
	"image/color"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/orchard/pkg/imagex"
	"github.com/cyclopcam/orchard/pkg/nn"
	"github.com/fogleman/gg"
)

type Options struct {
	LineWidth      float64
	ShowConfidence bool
	ShowTrackID    bool
}

func DefaultOptions() *Options {
	return &Options{
		LineWidth:      2,
		ShowConfidence: true,
		ShowTrackID:    true,
	}
}

// One color per class, cycling if there are more classes than colors
var palette = []color.RGBA{
	{255, 56, 56, 255},
	{255, 157, 151, 255},
	{255, 112, 31, 255},
	{255, 178, 29, 255},
	{207, 210, 49, 255},
	{72, 249, 10, 255},
	{146, 204, 23, 255},
	{61, 219, 134, 255},
	{26, 147, 52, 255},
	{0, 212, 187, 255},
}

func ClassColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}

// Label returns the caption drawn above a box, eg "id:3 apple_scab 0.87"
func Label(obj *nn.ObjectDetection, opt *Options) string {
	s := obj.Label
	if s == "" {
		s = fmt.Sprintf("class %v", obj.Class)
	}
	if opt.ShowTrackID && obj.TrackID != 0 {
		s = fmt.Sprintf("id:%v %v", obj.TrackID, s)
	}
	if opt.ShowConfidence {
		s = fmt.Sprintf("%v %.2f", s, obj.Confidence)
	}
	return s
}

// Draw returns a copy of img with the objects drawn onto it.
// img must be RGB or BGR. It is not modified, and the returned image has the same size and pixel format as img.
func Draw(img *cimg.Image, objects []nn.ObjectDetection, opt *Options) (*cimg.Image, error) {
	if opt == nil {
		opt = DefaultOptions()
	}
	if len(objects) == 0 {
		return img.Clone(), nil
	}
	// gg draws on image.RGBA, so round trip through the standard library image types.
	// ToImage emits RGB order for BGR input too.
	src, err := img.ToImage()
	if err != nil {
		return nil, fmt.Errorf("Failed to convert frame for drawing: %w", err)
	}
	dc := gg.NewContextForImage(src)
	dc.SetLineWidth(opt.LineWidth)
	for i := range objects {
		drawObject(dc, &objects[i], opt)
	}
	drawn, err := cimg.FromImage(dc.Image(), true)
	if err != nil {
		return nil, fmt.Errorf("Failed to convert annotated frame: %w", err)
	}
	out := drawn.ToRGB()
	if img.Format == cimg.PixelFormatBGR {
		out = imagex.ToBGR(out)
	}
	return out, nil
}

func drawObject(dc *gg.Context, obj *nn.ObjectDetection, opt *Options) {
	c := ClassColor(obj.Class)
	b := obj.Box
	dc.SetColor(c)
	dc.DrawRectangle(float64(b.X), float64(b.Y), float64(b.Width), float64(b.Height))
	dc.Stroke()

	label := Label(obj, opt)
	tw, th := dc.MeasureString(label)
	pad := 2.0
	// Place the caption above the box, unless that would put it off the top of the frame
	ty := float64(b.Y) - th - 2*pad
	if ty < 0 {
		ty = float64(b.Y)
	}
	dc.DrawRectangle(float64(b.X), ty, tw+2*pad, th+2*pad)
	dc.Fill()
	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(label, float64(b.X)+pad, ty+pad, 0, 1)
}
