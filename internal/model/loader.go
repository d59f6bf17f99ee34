package model

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State is the lifecycle position of the shared model.
type State string

const (
	StateLoading     State = "loading"
	StateReady       State = "ready"
	StateUnavailable State = "unavailable"
)

var errLoaderClosed = fmt.Errorf("%w: loader closed", ErrModelLoadFailure)

// Source says where the artifact and its metadata live.
type Source struct {
	ModelLocation    string
	MetadataLocation string
	SharedLibrary    string
}

// BuildFunc turns a fetched artifact into a runnable engine.
type BuildFunc func(onnxData []byte, md Metadata) (Engine, error)

// Option configures a Loader.
type Option func(*Loader)

// WithHTTPClient sets the client used for remote artifacts.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithBuilder replaces the ONNX Runtime session builder.
func WithBuilder(b BuildFunc) Option {
	return func(l *Loader) { l.build = b }
}

// Loader loads the model once in the background and hands out the shared
// engine afterwards. A failed load is final for the life of the process.
type Loader struct {
	src    Source
	client *http.Client
	build  BuildFunc
	logger *slog.Logger

	once sync.Once
	done chan struct{}

	mu        sync.RWMutex
	state     State
	engine    Engine
	md        Metadata
	err       error
	closed    bool
	listeners []func(State)
}

func NewLoader(src Source, logger *slog.Logger, opts ...Option) *Loader {
	l := &Loader{
		src:    src,
		logger: logger,
		done:   make(chan struct{}),
		state:  StateLoading,
	}
	l.build = func(onnxData []byte, md Metadata) (Engine, error) {
		return NewServer(onnxData, md, src.SharedLibrary)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins loading. Later calls are no-ops.
func (l *Loader) Start(ctx context.Context) {
	l.once.Do(func() {
		go l.load(ctx)
	})
}

func (l *Loader) load(ctx context.Context) {
	defer close(l.done)
	start := time.Now()
	l.logger.Info("loading model", "model", l.src.ModelLocation, "metadata", l.src.MetadataLocation)

	engine, md, err := l.fetchAndBuild(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrModelLoadFailure, err)
		l.logger.Error("model unavailable, inference disabled until restart", "err", err)
		l.set(StateUnavailable, nil, Metadata{}, err)
		return
	}

	l.logger.Info("model loaded",
		"input_shape", md.InputShape,
		"output_shape", md.OutputShape,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	l.set(StateReady, engine, md, nil)
}

func (l *Loader) fetchAndBuild(ctx context.Context) (Engine, Metadata, error) {
	rawMeta, err := FetchArtifact(ctx, l.client, l.src.MetadataLocation)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("metadata: %w", err)
	}
	md, err := ParseMetadata(rawMeta)
	if err != nil {
		return nil, Metadata{}, err
	}
	onnxData, err := FetchArtifact(ctx, l.client, l.src.ModelLocation)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("model: %w", err)
	}
	engine, err := l.build(onnxData, md)
	if err != nil {
		return nil, Metadata{}, err
	}
	return engine, md, nil
}

func (l *Loader) set(state State, engine Engine, md Metadata, err error) {
	l.mu.Lock()
	if l.closed {
		// Close ran while the artifact was loading; nobody will release it later.
		closeEngine(engine)
		state, engine, md = StateUnavailable, nil, Metadata{}
		err = errLoaderClosed
	}
	l.state = state
	l.engine = engine
	l.md = md
	l.err = err
	listeners := append([]func(State){}, l.listeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// OnChange registers fn to be called once the load settles.
func (l *Loader) OnChange(fn func(State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Loader) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Engine returns the loaded engine, ErrModelLoading, or the load failure.
func (l *Loader) Engine() (Engine, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.state {
	case StateReady:
		return l.engine, nil
	case StateUnavailable:
		return nil, l.err
	}
	return nil, ErrModelLoading
}

// Metadata is only meaningful once the model is ready.
func (l *Loader) Metadata() (Metadata, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.md, l.state == StateReady
}

// Wait blocks until loading finished or ctx is done.
func (l *Loader) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		_, err := l.Engine()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the engine if it holds runtime resources. An engine that
// finishes building after Close is released as soon as it arrives.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	closeEngine(l.engine)
	l.engine = nil
	if l.state == StateReady {
		l.state = StateUnavailable
		l.err = errLoaderClosed
	}
}

func closeEngine(e Engine) {
	if c, ok := e.(interface{ Close() }); ok {
		c.Close()
	}
}
