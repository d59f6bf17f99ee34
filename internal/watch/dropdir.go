// Package watch classifies images as they are dropped into a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Brownie44l1/cloudai/internal/events"
	"github.com/Brownie44l1/cloudai/internal/imageprep"
	"github.com/Brownie44l1/cloudai/internal/predict"
	"github.com/Brownie44l1/cloudai/internal/session"
)

// Classifier is the part of the pipeline the drop directory needs.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (predict.Result, error)
}

// Publisher receives one event per dropped file.
type Publisher interface {
	Publish(ev events.Event)
}

// DropDir watches a directory for new files. A file is handled once it has
// not changed for the settle window. Files arriving while a classification
// is running are skipped, the same policy uploads follow.
type DropDir struct {
	dir        string
	classifier Classifier
	publisher  Publisher
	limit      int64
	settle     time.Duration
	logger     *slog.Logger

	busy     atomic.Bool
	inflight sync.WaitGroup
}

func NewDropDir(dir string, c Classifier, p Publisher, limit int64, logger *slog.Logger) *DropDir {
	return &DropDir{
		dir:        dir,
		classifier: c,
		publisher:  p,
		limit:      limit,
		settle:     300 * time.Millisecond,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled or the watcher fails, then waits for an
// in-flight classification to finish.
func (d *DropDir) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	// a running classification publishes before Run returns
	defer d.inflight.Wait()
	if err := w.Add(d.dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}
	d.logger.Info("watching drop directory", "dir", d.dir)

	pending := map[string]time.Time{}
	ticker := time.NewTicker(d.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") {
				continue
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				pending[ev.Name] = time.Now()
			} else if _, seen := pending[ev.Name]; seen && ev.Op&fsnotify.Write == fsnotify.Write {
				pending[ev.Name] = time.Now()
			}
		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) > d.settle {
					delete(pending, path)
					d.dispatch(ctx, path)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("watch error", "err", err)
		}
	}
}

func (d *DropDir) dispatch(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if !d.busy.CompareAndSwap(false, true) {
		d.logger.Warn("skipping dropped file, classification in progress", "file", path)
		d.publisher.Publish(events.Event{
			Type:    events.TypeError,
			Source:  "dropdir",
			File:    &imageprep.FileDetails{Name: filepath.Base(path)},
			Message: session.ErrBusy.Error(),
		})
		return
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.busy.Store(false)
		d.Process(ctx, path)
	}()
}

// Process classifies one file and publishes the outcome.
func (d *DropDir) Process(ctx context.Context, path string) {
	ev := events.Event{Type: events.TypePrediction, Source: "dropdir"}
	res, details, err := d.classify(ctx, path)
	if details != nil {
		ev.File = details
	} else {
		ev.File = &imageprep.FileDetails{Name: filepath.Base(path)}
	}
	if err != nil {
		ev.Type = events.TypeError
		ev.Message = err.Error()
		level := slog.LevelWarn
		if errors.Is(err, predict.ErrShapeMismatch) {
			level = slog.LevelError
		}
		d.logger.Log(ctx, level, "dropped file not classified", "file", path, "err", err)
		d.publisher.Publish(ev)
		return
	}
	ev.Predictions = res
	top, _ := res.Top()
	d.logger.Info("dropped file classified", "file", path, "top", top.Label, "confidence", top.Value)
	d.publisher.Publish(ev)
}

func (d *DropDir) classify(ctx context.Context, path string) (predict.Result, *imageprep.FileDetails, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	up, err := imageprep.Acquire(path, f, d.limit)
	if err != nil {
		return nil, nil, err
	}
	img, err := up.Decode()
	if err != nil {
		return nil, &up.Details, err
	}
	res, err := d.classifier.Classify(ctx, img)
	return res, &up.Details, err
}
