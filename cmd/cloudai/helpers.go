package main

import (
	"strings"

	"github.com/Brownie44l1/cloudai/internal/classifier"
	"github.com/Brownie44l1/cloudai/internal/config"
	"github.com/Brownie44l1/cloudai/internal/imageprep"
	"github.com/Brownie44l1/cloudai/internal/logging"
	"github.com/Brownie44l1/cloudai/internal/model"
)

// buildPipeline wires the loader and pipeline from configuration. The loader
// is not started.
func buildPipeline(c config.Config) (*model.Loader, *classifier.Pipeline, error) {
	layout, err := imageprep.ParseLayout(c.Model.Layout)
	if err != nil {
		return nil, nil, err
	}
	prep, err := imageprep.NewPreparer(c.Model.ImageSize, layout)
	if err != nil {
		return nil, nil, err
	}

	modelLog := logging.New("model")
	loader := model.NewLoader(model.Source{
		ModelLocation:    c.Model.Path,
		MetadataLocation: c.Model.Metadata,
		SharedLibrary:    c.Model.SharedLibrary,
	}, modelLog)

	loader.OnChange(func(s model.State) {
		if s != model.StateReady {
			return
		}
		md, _ := loader.Metadata()
		if md.ImageSize != prep.Size() || !strings.EqualFold(md.Layout, string(prep.Layout())) {
			modelLog.Error("model input does not match configured preprocessing",
				"model_image_size", md.ImageSize, "model_layout", md.Layout,
				"image_size", prep.Size(), "layout", prep.Layout())
		}
		if md.OutputLen() != len(c.Labels) {
			modelLog.Error("model output length does not match label count",
				"outputs", md.OutputLen(), "labels", len(c.Labels))
		}
	})

	pipeline := classifier.New(loader, prep, c.Labels, c.Model.Timeout, logging.New("classifier"))
	return loader, pipeline, nil
}
