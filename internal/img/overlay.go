package img

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-invoice-cropper/internal/process"
)

var outline = color.NRGBA{R: 230, G: 40, B: 40, A: 255}

// ErrEmptyRegion is returned when a box does not intersect the page.
var ErrEmptyRegion = errors.New("region outside page")

// CropRegion cuts box, grown by padding on every side and clamped to the
// page, out of src.
func CropRegion(src image.Image, box process.BoundingBox, padding int) (*image.NRGBA, error) {
	if !box.Valid() {
		return nil, fmt.Errorf("inverted bbox %v", box)
	}
	if padding < 0 {
		padding = 0
	}
	r := box.Rect().Inset(-padding).Intersect(src.Bounds())
	if r.Empty() {
		return nil, ErrEmptyRegion
	}
	return imaging.Crop(src, r), nil
}

// DrawRegions returns a copy of src with each box outlined.
func DrawRegions(src image.Image, boxes []process.BoundingBox, thickness int) *image.NRGBA {
	dst := imaging.Clone(src)
	if thickness < 1 {
		thickness = 1
	}
	bounds := dst.Bounds()
	for _, box := range boxes {
		r := box.Rect().Intersect(bounds)
		if r.Empty() {
			continue
		}
		for i := 0; i < thickness; i++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				dst.SetNRGBA(x, r.Min.Y+i, outline)
				dst.SetNRGBA(x, r.Max.Y-1-i, outline)
			}
			for y := r.Min.Y; y < r.Max.Y; y++ {
				dst.SetNRGBA(r.Min.X+i, y, outline)
				dst.SetNRGBA(r.Max.X-1-i, y, outline)
			}
		}
	}
	return dst
}

// OverlayOutput describes a rendered comparison page.
type OverlayOutput struct {
	Path    string
	Page    int
	Regions int
	Crops   []string
}

// RenderOverlay outlines every invoice found on page over the page image at
// pagePath and writes the result to dstPath. When cropDir is not empty the
// padded regions are also cut out locally so they can be compared with the
// server crops.
func RenderOverlay(pagePath, dstPath string, page int, invoices []process.Invoice, padding int, cropDir string) (OverlayOutput, error) {
	src, err := imaging.Open(pagePath, imaging.AutoOrientation(true))
	if err != nil {
		return OverlayOutput{}, fmt.Errorf("open: %w", err)
	}

	out := OverlayOutput{Path: dstPath, Page: page}
	var boxes []process.BoundingBox
	for _, inv := range invoices {
		if inv.Page != page {
			continue
		}
		boxes = append(boxes, inv.BBox)
		if cropDir == "" {
			continue
		}
		crop, err := CropRegion(src, inv.BBox, padding)
		if errors.Is(err, ErrEmptyRegion) {
			continue
		}
		if err != nil {
			return OverlayOutput{}, fmt.Errorf("crop invoice %d: %w", inv.Index, err)
		}
		cropPath := filepath.Join(cropDir, fmt.Sprintf("local_%d_p%d.png", inv.Index, page))
		if err := os.MkdirAll(cropDir, 0o755); err != nil {
			return OverlayOutput{}, fmt.Errorf("mkdir: %w", err)
		}
		if err := imaging.Save(crop, cropPath); err != nil {
			return OverlayOutput{}, fmt.Errorf("save crop: %w", err)
		}
		out.Crops = append(out.Crops, cropPath)
	}
	out.Regions = len(boxes)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return OverlayOutput{}, fmt.Errorf("mkdir: %w", err)
	}
	if err := imaging.Save(DrawRegions(src, boxes, 3), dstPath); err != nil {
		return OverlayOutput{}, fmt.Errorf("save: %w", err)
	}
	return out, nil
}
