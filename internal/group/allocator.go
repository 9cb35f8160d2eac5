// Package group allocates numbered group directories.
//
// Numbers are derived from the directory listing: the next group of a family
// is max(existing)+1, or 00 when the family has no members. Gaps are never
// filled. Creation uses os.Mkdir, which fails atomically if the name is taken,
// and a collision triggers a rescan and a bounded retry.
package group

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"hydroflow/internal/metrics"
	"hydroflow/internal/naming"
)

// DefaultMaxAttempts bounds the collision retry loop.
const DefaultMaxAttempts = 5

var (
	// ErrDirectoryExists reports that the computed group directory already exists.
	ErrDirectoryExists = errors.New("group directory already exists")
	// ErrNumberOverflow reports a family that has used every two-digit number.
	ErrNumberOverflow = errors.New("group number exceeds two digits")
)

// GroupAllocationError is returned when no group directory could be created.
type GroupAllocationError struct {
	Parent   string
	Prefix   string
	Number   int
	Attempts int
	Err      error
}

func (e *GroupAllocationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("allocate %s group in %s (number %02d, %d attempt(s)): %v",
		e.Prefix, e.Parent, e.Number, e.Attempts, e.Err)
}

func (e *GroupAllocationError) Unwrap() error { return e.Err }

// Entry is an existing group directory.
type Entry struct {
	Name naming.GroupName
	Path string
}

// Scan lists the groups of the given family directly under parentDir, sorted
// by number. Only names matching {prefix}{NN}_{tag} exactly are returned. A
// missing parentDir is treated as empty.
func Scan(parentDir, prefix string) ([]Entry, error) {
	entries, err := os.ReadDir(parentDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan groups in %s: %w", parentDir, err)
	}

	var out []Entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		g, err := naming.ParseGroup(e.Name())
		if err != nil || g.Prefix != prefix {
			continue
		}
		out = append(out, Entry{Name: g, Path: filepath.Join(parentDir, e.Name())})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name.Number != out[j].Name.Number {
			return out[i].Name.Number < out[j].Name.Number
		}
		return out[i].Name.SourceTag < out[j].Name.SourceTag
	})
	return out, nil
}

// NextNumber returns max(numbers)+1, or 0 for an empty family.
func NextNumber(entries []Entry) int {
	next := 0
	for _, e := range entries {
		if e.Name.Number+1 > next {
			next = e.Name.Number + 1
		}
	}
	return next
}

// Find returns the lowest-numbered group of the family whose source tag is
// exactly tag.
func Find(parentDir, prefix, tag string) (string, bool, error) {
	entries, err := Scan(parentDir, prefix)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.Name.SourceTag == tag {
			return e.Path, true, nil
		}
	}
	return "", false, nil
}

// Allocator creates group directories.
type Allocator struct {
	MaxAttempts int
	Logger      *zap.Logger
	Metrics     *metrics.Collectors
}

// NewAllocator returns an Allocator. maxAttempts <= 0 selects DefaultMaxAttempts.
func NewAllocator(maxAttempts int, logger *zap.Logger, m *metrics.Collectors) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{MaxAttempts: maxAttempts, Logger: logger, Metrics: m}
}

// Allocate creates parentDir/{prefix}{NN}_{tag} with the next free number and
// returns its path. parentDir is created if missing.
func (a *Allocator) Allocate(ctx context.Context, parentDir, prefix, tag string) (string, error) {
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return "", fmt.Errorf("create class folder %s: %w", parentDir, err)
	}

	maxAttempts := a.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	number := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		entries, err := Scan(parentDir, prefix)
		if err != nil {
			return "", err
		}
		number = NextNumber(entries)
		if number > naming.MaxGroupNumber {
			return "", &GroupAllocationError{Parent: parentDir, Prefix: prefix, Number: number, Attempts: attempt, Err: ErrNumberOverflow}
		}

		name, err := naming.FormatGroup(prefix, number, tag)
		if err != nil {
			return "", fmt.Errorf("allocate group: %w", err)
		}
		path := filepath.Join(parentDir, name)

		err = os.Mkdir(path, 0o755)
		if err == nil {
			logger.Debug("group allocated", zap.String("group", path), zap.Int("attempt", attempt))
			a.Metrics.GroupAllocated(prefix)
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create group %s: %w", path, err)
		}

		logger.Warn("group name collision, rescanning",
			zap.String("group", path),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts))
		a.Metrics.AllocationRetry()
	}

	return "", &GroupAllocationError{Parent: parentDir, Prefix: prefix, Number: number, Attempts: maxAttempts, Err: ErrDirectoryExists}
}
