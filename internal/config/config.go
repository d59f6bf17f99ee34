// Package config loads service settings from YAML, the environment and flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/cloudai/internal/imageprep"
)

// DefaultLabels is the class list of the bundled cloud model, in output order.
var DefaultLabels = []string{"Cumulus", "Altocumulus", "Cirrus", "Clear Sky", "Stratocumulus", "Cumulonimbus"}

type Config struct {
	Port string `yaml:"port"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Model struct {
		Path          string        `yaml:"path"`
		Metadata      string        `yaml:"metadata"`
		SharedLibrary string        `yaml:"shared_library"`
		ImageSize     int           `yaml:"image_size"`
		Layout        string        `yaml:"layout"`
		Timeout       time.Duration `yaml:"timeout"`
	} `yaml:"model"`

	Labels []string `yaml:"labels"`

	Upload struct {
		MaxBytes    int64 `yaml:"max_bytes"`
		PreviewSize uint  `yaml:"preview_size"`
	} `yaml:"upload"`

	DropDir    string        `yaml:"drop_dir"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

func Default() Config {
	var c Config
	c.Port = "8080"
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Model.Path = "models/model.onnx"
	c.Model.Metadata = "models/model_metadata.json"
	c.Model.ImageSize = 256
	c.Model.Layout = string(imageprep.LayoutNHWC)
	c.Model.Timeout = 30 * time.Second
	c.Labels = append([]string(nil), DefaultLabels...)
	c.Upload.MaxBytes = imageprep.DefaultUploadLimit
	c.Upload.PreviewSize = imageprep.DefaultPreviewSize
	c.SessionTTL = 30 * time.Minute
	return c
}

// Load reads path (optional) over the defaults, then applies the environment.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"PORT":                    &c.Port,
		"LOG_LEVEL":               &c.Log.Level,
		"LOG_FORMAT":              &c.Log.Format,
		"CLOUDAI_MODEL_PATH":      &c.Model.Path,
		"CLOUDAI_METADATA_PATH":   &c.Model.Metadata,
		"CLOUDAI_ONNXRUNTIME_LIB": &c.Model.SharedLibrary,
		"CLOUDAI_TENSOR_LAYOUT":   &c.Model.Layout,
		"CLOUDAI_DROP_DIR":        &c.DropDir,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("CLOUDAI_IMAGE_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLOUDAI_IMAGE_SIZE: %w", err)
		}
		c.Model.ImageSize = n
	}
	if v, ok := lookup("CLOUDAI_INFERENCE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CLOUDAI_INFERENCE_TIMEOUT: %w", err)
		}
		c.Model.Timeout = d
	}
	if v, ok := lookup("CLOUDAI_LABELS"); ok && v != "" {
		var labels []string
		for _, l := range strings.Split(v, ",") {
			labels = append(labels, strings.TrimSpace(l))
		}
		c.Labels = labels
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is empty"))
	}
	if c.Model.Path == "" || c.Model.Metadata == "" {
		errs = append(errs, errors.New("model path and metadata path are required"))
	}
	if c.Model.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("model.image_size must be positive, got %d", c.Model.ImageSize))
	}
	if _, err := imageprep.ParseLayout(c.Model.Layout); err != nil {
		errs = append(errs, err)
	}
	if c.Model.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("model.timeout must be positive, got %s", c.Model.Timeout))
	}
	if len(c.Labels) == 0 {
		errs = append(errs, errors.New("labels are empty"))
	}
	seen := make(map[string]bool, len(c.Labels))
	for _, l := range c.Labels {
		if l == "" {
			errs = append(errs, errors.New("labels contain an empty name"))
			continue
		}
		if seen[l] {
			errs = append(errs, fmt.Errorf("label %q is repeated", l))
		}
		seen[l] = true
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes))
	}
	return errors.Join(errs...)
}
