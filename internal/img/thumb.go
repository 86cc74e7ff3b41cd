// internal/img/thumb.go
package img

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

const (
	DefaultPreviewWidth  = 320
	DefaultPreviewHeight = 320
)

// PreviewOutput describes a written preview image.
type PreviewOutput struct {
	Path         string
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
}

// GeneratePreview loads a downloaded crop from srcPath, fits it into the
// given box, and writes it to dstPath. Smaller sources are not upscaled.
func GeneratePreview(srcPath, dstPath string, boxW, boxH int) (PreviewOutput, error) {
	if boxW <= 0 || boxH <= 0 {
		return PreviewOutput{}, fmt.Errorf("invalid preview box %dx%d", boxW, boxH)
	}
	src, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return PreviewOutput{}, fmt.Errorf("open: %w", err)
	}
	sb := src.Bounds()

	preview := src
	if sb.Dx() > boxW || sb.Dy() > boxH {
		preview = imaging.Fit(src, boxW, boxH, imaging.Lanczos)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return PreviewOutput{}, fmt.Errorf("mkdir: %w", err)
	}
	if err := imaging.Save(preview, dstPath); err != nil {
		return PreviewOutput{}, fmt.Errorf("save: %w", err)
	}

	b := preview.Bounds()
	return PreviewOutput{
		Path:         dstPath,
		Width:        b.Dx(),
		Height:       b.Dy(),
		SourceWidth:  sb.Dx(),
		SourceHeight: sb.Dy(),
	}, nil
}

// PreviewPath derives the preview file name for a downloaded crop.
func PreviewPath(dir, cropFilename string) string {
	base := filepath.Base(cropFilename)
	ext := filepath.Ext(base)
	return filepath.Join(dir, base[:len(base)-len(ext)]+"_preview"+ext)
}
