package group

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydroflow/internal/metrics"
)

func mkdirs(t *testing.T, parent string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(parent, n), 0o755))
	}
}

func TestAllocate_EmptyThenNext(t *testing.T) {
	dir := t.TempDir()
	a := NewAllocator(0, nil, nil)

	first, err := a.Allocate(context.Background(), dir, "SFW", "DEM00")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "SFW00_DEM00"), first)
	assert.DirExists(t, first)

	second, err := a.Allocate(context.Background(), dir, "SFW", "DEM00")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "SFW01_DEM00"), second)
}

func TestAllocate_MaxPlusOneDoesNotFillGaps(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir, "SFW00_DEM00", "SFW02_DEM00")

	got, err := NewAllocator(0, nil, nil).Allocate(context.Background(), dir, "SFW", "DEM00")
	require.NoError(t, err)
	assert.Equal(t, "SFW03_DEM00", filepath.Base(got))
}

func TestAllocate_ReusesNumberOfDeletedHighestGroup(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir, "SFW00_DEM00", "SFW01_DEM00")
	require.NoError(t, os.Remove(filepath.Join(dir, "SFW01_DEM00")))

	got, err := NewAllocator(0, nil, nil).Allocate(context.Background(), dir, "SFW", "DEM00")
	require.NoError(t, err)
	assert.Equal(t, "SFW01_DEM00", filepath.Base(got))
}

func TestAllocate_IgnoresOtherFamiliesAndNearMissPrefixes(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir, "SFWX07_DEM00", "SF05_DEM00", "STPRES09_D8AREA00", "SFW1_DEM00", "notes")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SFW08_DEM00.txt"), nil, 0o644))

	got, err := NewAllocator(0, nil, nil).Allocate(context.Background(), dir, "SFW", "DSM00")
	require.NoError(t, err)
	assert.Equal(t, "SFW00_DSM00", filepath.Base(got))
}

func TestAllocate_CreatesMissingParent(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "prj", "Stream_Pres")
	got, err := NewAllocator(0, nil, nil).Allocate(context.Background(), parent, "STPRES", "D8AREA00")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(parent, "STPRES00_D8AREA00"), got)
}

func TestAllocate_ExistingNonDirectoryIsDirectoryExists(t *testing.T) {
	dir := t.TempDir()
	// A regular file occupies the computed name; scans ignore it so every
	// attempt collides.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SFW00_DEM00"), nil, 0o644))

	m := metrics.New()
	_, err := NewAllocator(3, nil, m).Allocate(context.Background(), dir, "SFW", "DEM00")
	require.Error(t, err)

	var allocErr *GroupAllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, 3, allocErr.Attempts)
	assert.Equal(t, 0, allocErr.Number)
	assert.True(t, errors.Is(err, ErrDirectoryExists))
}

func TestAllocate_Overflow(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir, "SFW99_DEM00")

	_, err := NewAllocator(0, nil, nil).Allocate(context.Background(), dir, "SFW", "DEM00")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNumberOverflow))
}

func TestAllocate_RespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAllocator(0, nil, nil).Allocate(ctx, t.TempDir(), "SFW", "DEM00")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFind_ExactTagLowestNumber(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir, "SFW03_DSM00", "SFW01_DSM00", "SFW02_DSM01", "SFW04_DSM001")

	path, ok, err := Find(dir, "SFW", "DSM00")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "SFW01_DSM00", filepath.Base(path))

	_, ok, err = Find(dir, "SFW", "DSM0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = Find(filepath.Join(dir, "missing"), "SFW", "DSM00")
	require.NoError(t, err)
	assert.False(t, ok)
}
