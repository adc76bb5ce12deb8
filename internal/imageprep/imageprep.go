// Package imageprep turns encoded image bytes into the fixed-size float
// tensor the feature extractor was trained on.
package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

const (
	DefaultSize = 224
	Channels    = 3

	// DefaultMaxPixels rejects decompression bombs before any pixel buffer
	// is allocated. Same limit as PIL's MAX_IMAGE_PIXELS.
	DefaultMaxPixels = 89_478_485
)

var (
	ErrInvalidImage             = errors.New("invalid image")
	ErrUnsupportedChannelLayout = errors.New("unsupported channel layout")
)

// Interpolation names accepted by ParseInterpolation.
const (
	Nearest  = "nearest"
	Bilinear = "bilinear"
	Bicubic  = "bicubic"
	Lanczos3 = "lanczos3"
)

func ParseInterpolation(name string) (resize.InterpolationFunction, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Nearest:
		return resize.NearestNeighbor, nil
	case Bilinear:
		return resize.Bilinear, nil
	case Bicubic:
		return resize.Bicubic, nil
	case Lanczos3:
		return resize.Lanczos3, nil
	default:
		return 0, fmt.Errorf("unknown interpolation %q", name)
	}
}

// Info describes the decoded source image.
type Info struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Bytes  int    `json:"bytes"`
}

type Preprocessor struct {
	size      int
	interp    resize.InterpolationFunction
	maxPixels int
}

// New returns a preprocessor producing size×size×3 tensors. A size of zero
// selects DefaultSize. Nearest-neighbour matches the original training
// pipeline's loader.
func New(size int, interpolation string) (*Preprocessor, error) {
	if size == 0 {
		size = DefaultSize
	}
	if size < 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", size)
	}
	interp, err := ParseInterpolation(interpolation)
	if err != nil {
		return nil, err
	}
	return &Preprocessor{size: size, interp: interp, maxPixels: DefaultMaxPixels}, nil
}

func (p *Preprocessor) Size() int { return p.size }

// SetMaxPixels caps width*height of accepted images. Zero restores
// DefaultMaxPixels.
func (p *Preprocessor) SetMaxPixels(n int) error {
	if n < 0 {
		return fmt.Errorf("max pixels must not be negative, got %d", n)
	}
	if n == 0 {
		n = DefaultMaxPixels
	}
	p.maxPixels = n
	return nil
}

func (p *Preprocessor) MaxPixels() int { return p.maxPixels }

// Preprocess decodes data and produces the tensor. No partial tensor is
// returned on error.
func (p *Preprocessor) Preprocess(data []byte) (*Tensor, Info, error) {
	img, info, err := DecodeLimited(data, p.maxPixels)
	if err != nil {
		return nil, info, err
	}
	t, err := p.FromImage(img)
	if err != nil {
		return nil, info, err
	}
	return t, info, nil
}

// Decode parses JPEG, PNG or GIF bytes up to DefaultMaxPixels.
func Decode(data []byte) (image.Image, Info, error) {
	return DecodeLimited(data, DefaultMaxPixels)
}

// DecodeLimited refuses images whose header declares more than maxPixels
// before any pixel buffer is allocated. Zero disables the check.
func DecodeLimited(data []byte, maxPixels int) (image.Image, Info, error) {
	info := Info{Bytes: len(data)}
	if len(data) == 0 {
		return nil, info, fmt.Errorf("%w: empty buffer", ErrInvalidImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, info, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	info.Width, info.Height, info.Format = cfg.Width, cfg.Height, format
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, info, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrInvalidImage, cfg.Width, cfg.Height, maxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, info, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	b := img.Bounds()
	info.Width, info.Height, info.Format = b.Dx(), b.Dy(), format
	if b.Empty() {
		return nil, info, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	return img, info, nil
}

// FromImage resizes img to the configured square size, ignoring aspect
// ratio, and scales each RGB channel to [0,1].
func (p *Preprocessor) FromImage(img image.Image) (*Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	rgb, err := toOpaqueNRGBA(img)
	if err != nil {
		return nil, err
	}

	resized := rgb
	if b := rgb.Bounds(); b.Dx() != p.size || b.Dy() != p.size {
		resized = p.resize(rgb)
	}

	t := NewTensor(p.size)
	b := resized.Bounds()
	for y := 0; y < p.size; y++ {
		for x := 0; x < p.size; x++ {
			c := resized.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			t.Set(y, x, float32(c.R)/255.0, float32(c.G)/255.0, float32(c.B)/255.0)
		}
	}
	return t, nil
}

// toOpaqueNRGBA converts any colour model to non-premultiplied RGBA with
// alpha forced to opaque. Alpha is discarded without compositing, so colour
// channels keep their stored values.
func toOpaqueNRGBA(img image.Image) (*image.NRGBA, error) {
	m := img.ColorModel()
	if m == color.AlphaModel || m == color.Alpha16Model {
		return nil, fmt.Errorf("%w: alpha-only image has no colour channels", ErrUnsupportedChannelLayout)
	}
	if pal, ok := m.(color.Palette); ok && len(pal) == 0 {
		return nil, fmt.Errorf("%w: palette image without colours", ErrUnsupportedChannelLayout)
	}
	if pi, ok := img.(*image.Paletted); ok {
		for _, idx := range pi.Pix {
			if int(idx) >= len(pi.Palette) {
				return nil, fmt.Errorf("%w: palette index %d out of range", ErrUnsupportedChannelLayout, idx)
			}
		}
	}

	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return out, nil
}

// resize scales src to size×size. Nearest samples the single source pixel
// under each destination pixel centre, as PIL does; nfnt's nearest filter
// averages the whole window when downscaling.
func (p *Preprocessor) resize(src *image.NRGBA) *image.NRGBA {
	if p.interp == resize.NearestNeighbor {
		dst := image.NewNRGBA(image.Rect(0, 0, p.size, p.size))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		return dst
	}
	return toNRGBA(resize.Resize(uint(p.size), uint(p.size), src, p.interp))
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
