package capture

import (
	"encoding/binary"
	"os"
)

// wavWriter streams 16-bit PCM into a RIFF/WAVE file, patching the chunk
// sizes on every Flush. The ecosystem WAV encoder only finalizes sizes on
// Close, which would leave an unreadable header if the process dies
// mid-session; here any flushed prefix decodes as a complete file.
type wavWriter struct {
	f       *os.File
	format  Format
	dataLen int64
	scratch []byte
	closed  bool
}

const wavHeaderLen = 44

func newWavWriter(path string, f Format) (*wavWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w := &wavWriter{f: file, format: f}
	if err := w.writeHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

func (w *wavWriter) writeHeader() error {
	h := make([]byte, wavHeaderLen)
	blockAlign := w.format.Channels * w.format.BitDepth / 8
	byteRate := w.format.SampleRate * blockAlign

	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+w.dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(w.format.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(w.format.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], uint16(w.format.BitDepth))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(w.dataLen))

	_, err := w.f.WriteAt(h, 0)
	return err
}

// WriteSamples appends interleaved samples after the current data chunk.
func (w *wavWriter) WriteSamples(samples []int16) error {
	need := len(samples) * 2
	if cap(w.scratch) < need {
		w.scratch = make([]byte, need)
	}
	b := w.scratch[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	n, err := w.f.WriteAt(b, wavHeaderLen+w.dataLen)
	w.dataLen += int64(n)
	return err
}

// Flush patches the RIFF sizes and syncs, so the file on disk is a valid
// playable prefix of the session.
func (w *wavWriter) Flush() error {
	if err := w.writeHeader(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close flushes and closes the file. Idempotent.
func (w *wavWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	ferr := w.Flush()
	cerr := w.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// Frames returns the number of complete frames written so far.
func (w *wavWriter) Frames() int64 {
	blockAlign := int64(w.format.Channels * w.format.BitDepth / 8)
	return w.dataLen / blockAlign
}

// Size returns the current on-disk file size.
func (w *wavWriter) Size() int64 { return wavHeaderLen + w.dataLen }
