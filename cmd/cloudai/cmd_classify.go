package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/cloudai/internal/imageprep"
	"github.com/Brownie44l1/cloudai/internal/predict"
)

var classifyFlags struct {
	asJSON      bool
	loadTimeout time.Duration
}

var classifyCmd = &cobra.Command{
	Use:   "classify <image>",
	Short: "Classify a single image and print the ranked cloud types",
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

func init() {
	f := classifyCmd.Flags()
	f.BoolVar(&classifyFlags.asJSON, "json", false, "print the result as JSON")
	f.DurationVar(&classifyFlags.loadTimeout, "load-timeout", 2*time.Minute, "how long to wait for the model to load")
}

func runClassify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	loader, pipeline, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer loader.Close()
	loader.Start(ctx)

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	up, err := imageprep.Acquire(args[0], f, cfg.Upload.MaxBytes)
	if err != nil {
		return err
	}
	img, err := up.Decode()
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, classifyFlags.loadTimeout)
	defer cancel()
	if err := loader.Wait(waitCtx); err != nil {
		return fmt.Errorf("inference unavailable: %w", err)
	}

	result, err := pipeline.Classify(ctx, img)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if classifyFlags.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			File        imageprep.FileDetails `json:"file"`
			Predictions predict.Result        `json:"predictions"`
		}{up.Details, result})
	}
	renderResult(out, up.Details, result)
	return nil
}

func renderResult(out io.Writer, file imageprep.FileDetails, result predict.Result) {
	fmt.Fprintf(out, "File:  %s (%s, %s)\n", file.Name, file.Size, file.Type)

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Cloud type", "Confidence"})
	for i, p := range result {
		t.AppendRow(table.Row{i + 1, p.Label, fmt.Sprintf("%.2f%%", p.Value)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
	})
	t.Render()
}
