// Package imageprep validates user images and turns them into model input tensors.
package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// DefaultUploadLimit is the largest image accepted from any entry point.
const DefaultUploadLimit int64 = 10 << 20

var (
	ErrInvalidFileType = errors.New("file is not an image")
	ErrDecodeFailure   = errors.New("image could not be decoded")
	ErrTooLarge        = errors.New("image exceeds upload limit")
)

// FileDetails describes an accepted file the way it is shown to the user.
type FileDetails struct {
	Name      string `json:"name"`
	Size      string `json:"size"`
	SizeBytes int64  `json:"size_bytes"`
	Type      string `json:"type"`
}

// Upload is an accepted, not yet decoded, image.
type Upload struct {
	Details FileDetails
	Bytes   []byte
}

// Acquire reads an image from r and validates it by sniffing its content.
// The declared name is only used for display.
func Acquire(name string, r io.Reader, limit int64) (*Upload, error) {
	if limit <= 0 {
		limit = DefaultUploadLimit
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s is larger than %s", ErrTooLarge, name, humanize.IBytes(uint64(limit)))
	}

	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, fmt.Errorf("%w: %s has type %s", ErrInvalidFileType, name, mime.String())
	}

	return &Upload{
		Details: FileDetails{
			Name:      filepath.Base(name),
			Size:      humanize.IBytes(uint64(len(data))),
			SizeBytes: int64(len(data)),
			Type:      mime.String(),
		},
		Bytes: data,
	}, nil
}

// Decode returns the upload's pixels with EXIF orientation applied.
func (u *Upload) Decode() (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(u.Bytes), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecodeFailure, u.Details.Name, err)
	}
	return img, nil
}
