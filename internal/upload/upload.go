// internal/upload/upload.go
package upload

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// MaxFileSize is the exclusive upper bound accepted by the recognition service.
const MaxFileSize int64 = 50 << 20

const (
	DefaultCropPadding  = 10
	MaxCropPadding      = 50
	DefaultOutputFormat = "jpg"
)

var allowedExtensions = map[string]string{
	"pdf":  "application/pdf",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
}

var allowedMimeTypes = map[string]struct{}{
	"application/pdf": {},
	"image/jpeg":      {},
	"image/jpg":       {},
	"image/png":       {},
}

// File is a document ready to be sent to the recognition service.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Data     []byte
}

// Params are the crop settings sent with every submission.
type Params struct {
	CropPadding  int
	OutputFormat string
}

func DefaultParams() Params {
	return Params{CropPadding: DefaultCropPadding, OutputFormat: DefaultOutputFormat}
}

// ValidationError is returned for input rejected before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Validate checks the type and size constraints of f. The type is accepted
// when either the declared MIME type or the filename extension is allowed.
func Validate(f File) error {
	if !allowedType(f.Name, f.MimeType) {
		return ValidationError{Field: "file", Message: fmt.Sprintf("unsupported type %q (%s): only PDF, JPEG and PNG are accepted", f.Name, f.MimeType)}
	}
	size := f.Size
	if size == 0 {
		size = int64(len(f.Data))
	}
	if size <= 0 {
		return ValidationError{Field: "file", Message: "file is empty"}
	}
	if size >= MaxFileSize {
		return ValidationError{Field: "file", Message: fmt.Sprintf("file is %d bytes, must be under %d", size, MaxFileSize)}
	}
	return nil
}

func (p Params) Validate() error {
	if p.CropPadding < 0 || p.CropPadding > MaxCropPadding {
		return ValidationError{Field: "cropPadding", Message: fmt.Sprintf("must be between 0 and %d (got %d)", MaxCropPadding, p.CropPadding)}
	}
	switch p.OutputFormat {
	case "jpg", "png":
		return nil
	}
	return ValidationError{Field: "outputFormat", Message: fmt.Sprintf("must be jpg or png (got %q)", p.OutputFormat)}
}

func allowedType(name, mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if _, ok := allowedMimeTypes[mt]; ok {
		return true
	}
	_, ok := allowedExtensions[NormalizeExt(filepath.Ext(name))]
	return ok
}

// Open loads the file at path. Oversized files are rejected before they are read.
func Open(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat upload: %w", err)
	}
	if info.IsDir() {
		return File{}, ValidationError{Field: "file", Message: fmt.Sprintf("%s is a directory", path)}
	}
	if info.Size() >= MaxFileSize {
		return File{}, ValidationError{Field: "file", Message: fmt.Sprintf("file is %d bytes, must be under %d", info.Size(), MaxFileSize)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read upload: %w", err)
	}

	return File{
		Name:     filepath.Base(path),
		MimeType: detectMime(filepath.Base(path), data),
		Size:     int64(len(data)),
		Data:     data,
	}, nil
}

func detectMime(name string, data []byte) string {
	if mt, ok := allowedExtensions[NormalizeExt(filepath.Ext(name))]; ok {
		return mt
	}
	n := len(data)
	if n > 512 {
		n = 512
	}
	return http.DetectContentType(data[:n])
}
