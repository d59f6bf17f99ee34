package imageprep

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"github.com/nfnt/resize"
)

// DefaultPreviewSize bounds the longer edge of a preview thumbnail.
const DefaultPreviewSize uint = 320

// Preview renders img as a PNG data URL no larger than maxEdge on either side.
func Preview(img image.Image, maxEdge uint) (string, error) {
	if maxEdge == 0 {
		maxEdge = DefaultPreviewSize
	}
	thumb := resize.Thumbnail(maxEdge, maxEdge, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
