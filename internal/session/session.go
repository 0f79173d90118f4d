package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Status is the lifecycle state of one capture attempt.
type Status string

const (
	StatusCapturing Status = "capturing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Ext is the container extension for all session files.
const Ext = ".wav"

// stampLayout orders lexically the same way it orders chronologically.
const stampLayout = "20060102T150405"

// Session is one bounded-duration capture producing exactly one output file.
type Session struct {
	StartedAt      time.Time     `json:"started_at"`
	TargetDuration time.Duration `json:"target_duration"`
	SampleRate     int           `json:"sample_rate"`
	Channels       int           `json:"channels"`
	BitDepth       int           `json:"bit_depth"`
	Path           string        `json:"path"`
	Status         Status        `json:"status"`
	Bytes          int64         `json:"bytes"`
	Captured       time.Duration `json:"captured"`
}

// FileName builds the local file name for a session starting at start.
// The embedded timestamp guarantees uniqueness (single-capture invariant)
// and lexical ordering equal to chronological ordering.
func FileName(prefix string, start time.Time) string {
	return fmt.Sprintf("%s_%s%s", prefix, start.Format(stampLayout), Ext)
}

// RemoteKey derives the object storage key for a session file from the same
// start timestamp the local name encodes: YYYY/MM/DD/<prefix>_<stamp>.wav.
func RemoteKey(keyPrefix, filePrefix string, start time.Time) string {
	key := fmt.Sprintf("%s/%s", start.Format("2006/01/02"), FileName(filePrefix, start))
	if keyPrefix != "" {
		key = strings.TrimSuffix(keyPrefix, "/") + "/" + key
	}
	return key
}

// ParseFileName recovers the session start time from a spooled file name.
// Orphan files from a previous run re-derive their remote key through this,
// so the key stays deterministic across restarts.
func ParseFileName(path string) (prefix string, start time.Time, err error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, Ext) {
		return "", time.Time{}, fmt.Errorf("%s: not a %s file", base, Ext)
	}
	stem := strings.TrimSuffix(base, Ext)
	i := strings.LastIndexByte(stem, '_')
	if i <= 0 {
		return "", time.Time{}, fmt.Errorf("%s: missing prefix separator", base)
	}
	start, err = time.ParseInLocation(stampLayout, stem[i+1:], time.Local)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: bad timestamp: %w", base, err)
	}
	return stem[:i], start, nil
}
