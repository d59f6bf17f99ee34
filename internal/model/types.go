package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrModelLoadFailure = errors.New("model load failed")
	ErrModelLoading     = errors.New("model is still loading")
	ErrInputSize        = errors.New("input tensor size mismatch")
)

// Metadata describes the tensors of an exported model artifact.
type Metadata struct {
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	ImageSize   int     `json:"image_size"`
	Layout      string  `json:"layout"`
}

// ParseMetadata decodes a metadata sidecar and fills naming defaults.
func ParseMetadata(raw []byte) (Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if md.InputName == "" {
		md.InputName = "input"
	}
	if md.OutputName == "" {
		md.OutputName = "output"
	}
	if md.Layout == "" {
		md.Layout = "NHWC"
	}
	return md, md.Validate()
}

// Validate checks that the shapes are usable and agree with the image size.
func (m Metadata) Validate() error {
	if m.ImageSize <= 0 {
		return fmt.Errorf("metadata: image_size must be positive, got %d", m.ImageSize)
	}
	if len(m.InputShape) != 4 {
		return fmt.Errorf("metadata: input_shape must have 4 dimensions, got %v", m.InputShape)
	}
	if len(m.OutputShape) == 0 {
		return errors.New("metadata: output_shape is empty")
	}
	for _, d := range append(append([]int64{}, m.InputShape...), m.OutputShape...) {
		if d <= 0 {
			return fmt.Errorf("metadata: dimensions must be positive, got input %v output %v", m.InputShape, m.OutputShape)
		}
	}

	s := int64(m.ImageSize)
	var want []int64
	switch strings.ToUpper(m.Layout) {
	case "NHWC":
		want = []int64{1, s, s, 3}
	case "NCHW":
		want = []int64{1, 3, s, s}
	default:
		return fmt.Errorf("metadata: unknown layout %q", m.Layout)
	}
	for i := range want {
		if m.InputShape[i] != want[i] {
			return fmt.Errorf("metadata: input_shape %v does not match %s layout for image_size %d", m.InputShape, m.Layout, m.ImageSize)
		}
	}
	return nil
}

// InputLen is the number of values the model reads per call.
func (m Metadata) InputLen() int {
	return product(m.InputShape)
}

// OutputLen is the number of raw scores the model produces per call.
func (m Metadata) OutputLen() int {
	return product(m.OutputShape)
}

func product(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}
