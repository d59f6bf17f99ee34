package imageprep

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// gradient gives each pixel a unique red/green pair so sampled positions can be read back.
func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	return img
}

func TestAcquireAcceptsImage(t *testing.T) {
	data := encodePNG(t, gradient(4, 4))
	up, err := Acquire("uploads/sky.png", bytes.NewReader(data), 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if up.Details.Name != "sky.png" {
		t.Errorf("Name = %q, want sky.png", up.Details.Name)
	}
	if up.Details.Type != "image/png" {
		t.Errorf("Type = %q, want image/png", up.Details.Type)
	}
	if up.Details.SizeBytes != int64(len(data)) {
		t.Errorf("SizeBytes = %d, want %d", up.Details.SizeBytes, len(data))
	}
	if !strings.HasSuffix(up.Details.Size, "B") {
		t.Errorf("Size = %q, want a human readable byte count", up.Details.Size)
	}

	img, err := up.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := img.Bounds().Size(); got != image.Pt(4, 4) {
		t.Errorf("decoded size = %v, want 4x4", got)
	}
}

func TestAcquireRejectsNonImage(t *testing.T) {
	_, err := Acquire("notes.png", strings.NewReader("just some text, not pixels"), 0)
	if !errors.Is(err, ErrInvalidFileType) {
		t.Fatalf("err = %v, want ErrInvalidFileType", err)
	}
}

func TestAcquireRejectsOversized(t *testing.T) {
	data := encodePNG(t, gradient(32, 32))
	_, err := Acquire("big.png", bytes.NewReader(data), 16)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestDecodeFailure(t *testing.T) {
	data := encodePNG(t, gradient(8, 8))
	// keep the signature so sniffing passes, drop the rest
	up, err := Acquire("broken.png", bytes.NewReader(data[:40]), 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := up.Decode(); !errors.Is(err, ErrDecodeFailure) {
		t.Fatalf("err = %v, want ErrDecodeFailure", err)
	}
}

func TestParseLayout(t *testing.T) {
	for in, want := range map[string]Layout{"": LayoutNHWC, "nhwc": LayoutNHWC, "NCHW": LayoutNCHW} {
		got, err := ParseLayout(in)
		if err != nil || got != want {
			t.Errorf("ParseLayout(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseLayout("CHW"); err == nil {
		t.Error("ParseLayout(CHW) succeeded")
	}
}

func TestNewPreparerRejectsBadSize(t *testing.T) {
	if _, err := NewPreparer(0, LayoutNHWC); err == nil {
		t.Error("NewPreparer(0) succeeded")
	}
}

func TestPrepareShape(t *testing.T) {
	p, err := NewPreparer(256, LayoutNHWC)
	if err != nil {
		t.Fatalf("NewPreparer: %v", err)
	}
	tensor := p.Prepare(gradient(640, 480))
	if diff := cmp.Diff([]int64{1, 256, 256, 3}, tensor.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if len(tensor.Data) != 256*256*3 {
		t.Errorf("len(Data) = %d, want %d", len(tensor.Data), 256*256*3)
	}
}

func TestPrepareNearestNeighborDownscale(t *testing.T) {
	p, _ := NewPreparer(2, LayoutNHWC)
	// 4x6 source: columns 0,2 and rows 0,3 are sampled
	tensor := p.Prepare(gradient(4, 6))
	want := []float32{
		0, 0, 200, 2, 0, 200,
		0, 3, 200, 2, 3, 200,
	}
	if diff := cmp.Diff(want, tensor.Data); diff != "" {
		t.Errorf("sampled pixels mismatch (-want +got):\n%s", diff)
	}
}

func TestPrepareNearestNeighborUpscale(t *testing.T) {
	p, _ := NewPreparer(4, LayoutNCHW)
	tensor := p.Prepare(gradient(2, 2))
	wantRed := []float32{
		0, 0, 1, 1,
		0, 0, 1, 1,
		0, 0, 1, 1,
		0, 0, 1, 1,
	}
	wantGreen := []float32{
		0, 0, 0, 0,
		0, 0, 0, 0,
		1, 1, 1, 1,
		1, 1, 1, 1,
	}
	if diff := cmp.Diff([]int64{1, 3, 4, 4}, tensor.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantRed, tensor.Data[:16]); diff != "" {
		t.Errorf("red plane mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantGreen, tensor.Data[16:32]); diff != "" {
		t.Errorf("green plane mismatch (-want +got):\n%s", diff)
	}
	for i, v := range tensor.Data[32:] {
		if v != 200 {
			t.Fatalf("blue[%d] = %v, want 200", i, v)
		}
	}
}

func TestPrepareIgnoresOffsetBounds(t *testing.T) {
	p, _ := NewPreparer(1, LayoutNHWC)
	sub := gradient(10, 10).SubImage(image.Rect(5, 7, 8, 9))
	tensor := p.Prepare(sub)
	if diff := cmp.Diff([]float32{5, 7, 200}, tensor.Data); diff != "" {
		t.Errorf("sub-image sample mismatch (-want +got):\n%s", diff)
	}
}

func TestPreview(t *testing.T) {
	url, err := Preview(gradient(1000, 500), 100)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("preview = %.40q..., want png data URL", url)
	}
}
