package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"
)

// Format describes the PCM stream pulled from the input device.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Validate enforces what the recorder can actually serialize.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate %d must be positive", f.SampleRate)
	}
	if f.Channels < 1 {
		return fmt.Errorf("channels %d must be >= 1", f.Channels)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("bit depth %d unsupported, only 16-bit PCM", f.BitDepth)
	}
	return nil
}

// Device abstracts the audio input so the capture backend is swappable per
// target platform. Read fills buf (chunkFrames*channels interleaved samples)
// and blocks until that many frames arrived.
type Device interface {
	Open(f Format, chunkFrames int) error
	Read(buf []int16) error
	Close() error
}

// ErrDeviceUnavailable means no input device was found or it is already in use.
var ErrDeviceUnavailable = errors.New("capture: input device unavailable")

// ErrDiskFull means the session file could not grow; the partial data up to
// the last flush is preserved.
var ErrDiskFull = errors.New("capture: local storage full")

// DeviceLostError reports a device that failed mid-session. The partial file
// at Path is closed cleanly and still worth uploading.
type DeviceLostError struct {
	Path     string
	Captured time.Duration
	Err      error
}

func (e *DeviceLostError) Error() string {
	return fmt.Sprintf("capture: device lost after %s (%s): %v", e.Captured, e.Path, e.Err)
}

func (e *DeviceLostError) Unwrap() error { return e.Err }

// Result describes the file a capture produced.
type Result struct {
	Path     string
	Bytes    int64
	Captured time.Duration
}

// Recorder pulls bounded sessions of audio frames from a Device and
// serializes them as WAV. One Recorder serves one device; Capture must not
// be called concurrently.
type Recorder struct {
	dev         Device
	format      Format
	chunkFrames int
	logger      *slog.Logger
}

func New(dev Device, f Format, chunkFrames int, logger *slog.Logger) *Recorder {
	if chunkFrames <= 0 {
		chunkFrames = 2048
	}
	return &Recorder{dev: dev, format: f, chunkFrames: chunkFrames, logger: logger}
}

// Capture records for exactly duration of wall-clock audio time into dest.
// The file is flushed roughly once per second so a crash mid-session leaves a
// valid, playable prefix. On a mid-session device failure the partial file is
// closed cleanly and returned alongside a *DeviceLostError.
func (r *Recorder) Capture(ctx context.Context, duration time.Duration, dest string) (Result, error) {
	if err := r.format.Validate(); err != nil {
		return Result{}, err
	}
	if err := r.dev.Open(r.format, r.chunkFrames); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer func() { _ = r.dev.Close() }()

	w, err := newWavWriter(dest, r.format)
	if err != nil {
		return Result{}, classifyWrite(err)
	}

	totalChunks := int(duration.Seconds() * float64(r.format.SampleRate) / float64(r.chunkFrames))
	flushEvery := r.format.SampleRate / r.chunkFrames
	if flushEvery < 1 {
		flushEvery = 1
	}

	buf := make([]int16, r.chunkFrames*r.format.Channels)
	for chunk := 0; chunk < totalChunks; chunk++ {
		if err := ctx.Err(); err != nil {
			res := r.finish(w, dest)
			return res, err
		}
		if err := r.dev.Read(buf); err != nil {
			res := r.finish(w, dest)
			return res, &DeviceLostError{Path: dest, Captured: res.Captured, Err: err}
		}
		if err := w.WriteSamples(buf); err != nil {
			res := r.finish(w, dest)
			return res, classifyWrite(err)
		}
		if (chunk+1)%flushEvery == 0 {
			if err := w.Flush(); err != nil {
				res := r.finish(w, dest)
				return res, classifyWrite(err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return Result{Path: dest}, classifyWrite(err)
	}
	return r.result(w, dest), nil
}

// finish closes the file with whatever frames made it in, keeping the header
// consistent with the bytes written. Close errors are logged, not returned,
// so the primary failure stays visible to the caller.
func (r *Recorder) finish(w *wavWriter, dest string) Result {
	if err := w.Close(); err != nil && r.logger != nil {
		r.logger.Warn("closing partial session file", "path", dest, "error", err)
	}
	return r.result(w, dest)
}

func (r *Recorder) result(w *wavWriter, dest string) Result {
	frames := w.Frames()
	captured := time.Duration(float64(frames) / float64(r.format.SampleRate) * float64(time.Second))
	return Result{Path: dest, Bytes: w.Size(), Captured: captured}
}

func classifyWrite(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	return err
}
