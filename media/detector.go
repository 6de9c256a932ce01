package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"time"
)

// ErrDetectorUnavailable is reported by a backend whose model failed to load.
var ErrDetectorUnavailable = errors.New("face detector unavailable")

// Detector finds candidate faces in a decoded image. An image without faces
// yields an empty slice and a nil error.
type Detector interface {
	Name() string
	Available() bool
	Detect(ctx context.Context, img image.Image) ([]DetectedFace, error)
	Close()
}

// DetectionObserver receives per-backend timings. metrics.EngineMetrics implements it.
type DetectionObserver interface {
	ObserveDetection(backend string, faces int, elapsed time.Duration, err error)
}

// FallbackDetector tries its backends in order and returns the first non-empty
// result. Unavailable, failing and timed-out backends count as "no faces".
type FallbackDetector struct {
	backends []Detector
	timeout  time.Duration
	observer DetectionObserver
}

// NewFallbackDetector builds a detector chain. A zero timeout disables the
// per-backend deadline.
func NewFallbackDetector(timeout time.Duration, observer DetectionObserver, backends ...Detector) *FallbackDetector {
	return &FallbackDetector{backends: backends, timeout: timeout, observer: observer}
}

func (f *FallbackDetector) Name() string { return "fallback" }

// Available reports whether at least one backend loaded.
func (f *FallbackDetector) Available() bool {
	for _, b := range f.backends {
		if b != nil && b.Available() {
			return true
		}
	}
	return false
}

// Backends returns the names of the configured backends and whether each is usable.
func (f *FallbackDetector) Backends() map[string]bool {
	out := make(map[string]bool, len(f.backends))
	for _, b := range f.backends {
		if b != nil {
			out[b.Name()] = b.Available()
		}
	}
	return out
}

func (f *FallbackDetector) Detect(ctx context.Context, img image.Image) ([]DetectedFace, error) {
	if img == nil {
		return nil, errors.New("detect: nil image")
	}
	for _, backend := range f.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if backend == nil {
			continue
		}
		if !backend.Available() {
			log.Printf("detection(%s): %v, trying next backend", backend.Name(), ErrDetectorUnavailable)
			continue
		}

		faces, err := f.detectOne(ctx, backend, img)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("detection(%s): backend failed, trying next backend: %v", backend.Name(), err)
			continue
		}
		if len(faces) > 0 {
			return faces, nil
		}
	}
	return []DetectedFace{}, nil
}

func (f *FallbackDetector) detectOne(ctx context.Context, backend Detector, img image.Image) ([]DetectedFace, error) {
	bctx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	faces, err := runWithContext(bctx, func() ([]DetectedFace, error) {
		return backend.Detect(bctx, img)
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s: %w", f.timeout, err)
	}
	if f.observer != nil {
		f.observer.ObserveDetection(backend.Name(), len(faces), time.Since(start), err)
	}
	return faces, err
}

// Close releases every backend.
func (f *FallbackDetector) Close() {
	for _, b := range f.backends {
		if b != nil {
			b.Close()
		}
	}
}

// runWithContext runs fn on its own goroutine and returns early when ctx ends.
// fn keeps running to completion in that case; backends guard their native
// handles with a mutex so a late call cannot overlap the next one.
func runWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
