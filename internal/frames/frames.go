// Package frames turns downloaded or remote images into normalized RGB
// frames for the host's image outputs.
package frames

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // register webp decoder
)

// PlaceholderSize is the edge length of the blank frame used when a run
// produced no images
const PlaceholderSize = 64

// ErrSizeMismatch is returned when frames of different sizes are stacked
var ErrSizeMismatch = errors.New("frames have different sizes")

// Frame is one RGB image, height x width x 3, values in [0,1], row-major
type Frame struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Pix    []float32 `json:"pix"`
}

// At returns the RGB triple at x, y
func (f Frame) At(x, y int) (r, g, b float32) {
	i := (y*f.Width + x) * 3
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// Blank returns a zero-filled frame of the given size
func Blank(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]float32, width*height*3)}
}

// Placeholder returns the 64x64 black frame
func Placeholder() Frame {
	return Blank(PlaceholderSize, PlaceholderSize)
}

// Batch is a stack of equally sized frames
type Batch struct {
	Frames []Frame `json:"frames"`
}

// Len returns the number of frames
func (b Batch) Len() int { return len(b.Frames) }

// Shape returns (n, height, width, 3)
func (b Batch) Shape() [4]int {
	if len(b.Frames) == 0 {
		return [4]int{0, 0, 0, 3}
	}
	return [4]int{len(b.Frames), b.Frames[0].Height, b.Frames[0].Width, 3}
}

// Stack builds a batch, substituting the placeholder frame when empty
func Stack(frames []Frame) (Batch, error) {
	if len(frames) == 0 {
		return Batch{Frames: []Frame{Placeholder()}}, nil
	}
	w, h := frames[0].Width, frames[0].Height
	for i, f := range frames[1:] {
		if f.Width != w || f.Height != h {
			return Batch{}, fmt.Errorf("%w: frame %d is %dx%d, expected %dx%d", ErrSizeMismatch, i+1, f.Width, f.Height, w, h)
		}
	}
	return Batch{Frames: frames}, nil
}

// Decode reads an encoded image, applies its EXIF orientation and converts
// it to a normalized RGB frame
func Decode(r io.Reader) (Frame, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return Frame{}, fmt.Errorf("failed to decode image: %w", err)
	}
	return FromImage(img), nil
}

// FromImage converts any image to a normalized RGB frame. 16-bit grayscale
// is scaled down to 8-bit intensity first; alpha is dropped.
func FromImage(img image.Image) Frame {
	if g, ok := img.(*image.Gray16); ok {
		img = scaleGray16(g)
	}

	bounds := img.Bounds()
	f := Blank(bounds.Dx(), bounds.Dy())
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			f.Pix[i] = float32(c.R) / 0xffff
			f.Pix[i+1] = float32(c.G) / 0xffff
			f.Pix[i+2] = float32(c.B) / 0xffff
			i += 3
		}
	}
	return f
}

// ToImage converts a frame back to an 8-bit image, clamping to [0,1]
func (f Frame) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			r, g, b := f.At(x, y)
			img.SetNRGBA(x, y, color.NRGBA{R: to8(r), G: to8(g), B: to8(b), A: 0xff})
		}
	}
	return img
}

// EncodePNG writes the frame as a PNG
func EncodePNG(w io.Writer, f Frame) error {
	if err := imaging.Encode(w, f.ToImage(), imaging.PNG); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

func to8(v float32) uint8 {
	return uint8(math.Round(float64(clamp01(v)) * 255))
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func scaleGray16(src *image.Gray16) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetGray(x, y, color.Gray{Y: uint8(src.Gray16At(x, y).Y >> 8)})
		}
	}
	return dst
}

// Loader opens images from local paths or http(s) URLs
type Loader struct {
	client *http.Client
}

// DefaultTimeout bounds a single image fetch when no client is supplied
const DefaultTimeout = 10 * time.Minute

// NewLoader creates a loader; a nil client gets one bounded by DefaultTimeout
func NewLoader(client *http.Client) *Loader {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Loader{client: client}
}

// Load decodes the image at src
func (l *Loader) Load(ctx context.Context, src string) (Frame, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to fetch image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return Frame{}, fmt.Errorf("failed to fetch image %s: unexpected status code: %d", src, resp.StatusCode)
		}
		return Decode(resp.Body)
	}

	f, err := os.Open(src)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
