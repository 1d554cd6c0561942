package annotation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
)

const (
	pngDataURLPrefix = "data:image/png;base64,"
	circleSegments   = 16
	defaultStroke    = 4.0
)

var defaultColor = color.RGBA{R: 0xff, A: 0xff}

// ErrInvalidImage is returned for image data that is not a PNG data URL.
var ErrInvalidImage = errors.New("invalid image data")

type stroke struct {
	raw    json.RawMessage
	parsed Stroke
}

// RasterCanvas keeps strokes in memory with undo and redo stacks and
// renders them with an anti-aliasing vector rasterizer. Each stroke's
// original JSON is kept so exported paths round-trip unknown fields.
type RasterCanvas struct {
	width, height int
	strokes       []stroke
	undone        []stroke
}

func NewRasterCanvas(width, height int) *RasterCanvas {
	if width <= 0 {
		width = 512
	}
	if height <= 0 {
		height = 512
	}
	return &RasterCanvas{width: width, height: height}
}

// Draw adds a stroke and drops the redo history.
func (c *RasterCanvas) Draw(s Stroke) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode stroke: %w", err)
	}
	c.strokes = append(c.strokes, stroke{raw: raw, parsed: s})
	c.undone = nil
	return nil
}

func (c *RasterCanvas) LoadPaths(paths json.RawMessage) error {
	trimmed := bytes.TrimSpace(paths)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		c.Clear()
		return nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPaths, err)
	}
	loaded := make([]stroke, 0, len(raws))
	for i, raw := range raws {
		var s Stroke
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: stroke %d: %v", ErrInvalidPaths, i, err)
		}
		loaded = append(loaded, stroke{raw: append(json.RawMessage(nil), raw...), parsed: s})
	}
	c.strokes = loaded
	c.undone = nil
	return nil
}

func (c *RasterCanvas) ExportPaths() (json.RawMessage, error) {
	raws := make([]json.RawMessage, len(c.strokes))
	for i, s := range c.strokes {
		raws[i] = s.raw
	}
	return json.Marshal(raws)
}

func (c *RasterCanvas) ExportImage() (string, error) {
	return EncodeDataURL(c.Render())
}

func (c *RasterCanvas) Clear() {
	c.strokes = nil
	c.undone = nil
}

func (c *RasterCanvas) Undo() {
	if len(c.strokes) == 0 {
		return
	}
	last := c.strokes[len(c.strokes)-1]
	c.strokes = c.strokes[:len(c.strokes)-1]
	c.undone = append(c.undone, last)
}

func (c *RasterCanvas) Redo() {
	if len(c.undone) == 0 {
		return
	}
	last := c.undone[len(c.undone)-1]
	c.undone = c.undone[:len(c.undone)-1]
	c.strokes = append(c.strokes, last)
}

// Len returns the number of visible strokes.
func (c *RasterCanvas) Len() int { return len(c.strokes) }

// Render draws every stroke in order onto a transparent image. Eraser
// strokes clear what is beneath them.
func (c *RasterCanvas) Render() *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	for _, s := range c.strokes {
		c.renderStroke(dst, s.parsed)
	}
	return dst
}

func (c *RasterCanvas) renderStroke(dst *image.RGBA, s Stroke) {
	if len(s.Paths) == 0 {
		return
	}
	width := s.StrokeWidth
	if width <= 0 {
		width = defaultStroke
	}
	radius := width / 2

	r := vector.NewRasterizer(c.width, c.height)
	src := image.Image(image.NewUniform(parseColor(s.StrokeColor)))
	if !s.DrawMode {
		r.DrawOp = draw.Src
		src = image.Transparent
	}

	// Round caps and joins: a disc on every sample plus a quad per segment,
	// all wound the same way so overlaps do not cancel.
	for i, p := range s.Paths {
		c.addDisc(r, p, radius)
		if i > 0 {
			c.addSegment(r, s.Paths[i-1], p, radius)
		}
	}
	r.Draw(dst, dst.Bounds(), src, image.Point{})
}

func (c *RasterCanvas) addDisc(r *vector.Rasterizer, center Point, radius float64) {
	for i := 0; i <= circleSegments; i++ {
		theta := 2 * math.Pi * float64(i) / circleSegments
		x, y := c.clamp(center.X+radius*math.Cos(theta), center.Y+radius*math.Sin(theta))
		if i == 0 {
			r.MoveTo(x, y)
		} else {
			r.LineTo(x, y)
		}
	}
	r.ClosePath()
}

func (c *RasterCanvas) addSegment(r *vector.Rasterizer, a, b Point, radius float64) {
	dx, dy := b.X-a.X, b.Y-a.Y
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	nx, ny := -dy/length*radius, dx/length*radius

	x, y := c.clamp(a.X-nx, a.Y-ny)
	r.MoveTo(x, y)
	x, y = c.clamp(b.X-nx, b.Y-ny)
	r.LineTo(x, y)
	x, y = c.clamp(b.X+nx, b.Y+ny)
	r.LineTo(x, y)
	x, y = c.clamp(a.X+nx, a.Y+ny)
	r.LineTo(x, y)
	r.ClosePath()
}

func (c *RasterCanvas) clamp(x, y float64) (float32, float32) {
	x = math.Max(0, math.Min(float64(c.width), x))
	y = math.Max(0, math.Min(float64(c.height), y))
	return float32(x), float32(y)
}

// parseColor understands #RGB, #RRGGBB and #RRGGBBAA. Anything else,
// including "transparent", falls back to the default pen color.
func parseColor(s string) color.Color {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return defaultColor
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return defaultColor
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
}

// EncodeDataURL encodes img as a PNG data URL.
func EncodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return pngDataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeDataURL decodes a PNG data URL.
func DecodeDataURL(dataURL string) (image.Image, error) {
	if !strings.HasPrefix(dataURL, pngDataURLPrefix) {
		return nil, fmt.Errorf("%w: expected %s prefix", ErrInvalidImage, strings.TrimSuffix(pngDataURLPrefix, ","))
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, pngDataURLPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// Thumbnail scales img to width pixels wide, keeping the aspect ratio.
// Images already narrower than width are returned unchanged.
func Thumbnail(img image.Image, width int) image.Image {
	b := img.Bounds()
	if width <= 0 || width >= b.Dx() {
		return img
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
