package core

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceDescriptor(source string) WorkDescriptor {
	d := descriptor(source, KindPlain)
	d.Payload.Source = source
	return d
}

// TestMarkerScanner_FindsMarker verifies a marker reference is reported with its line
// Given: a script importing a UI toolkit on line 3
// When: the scanner inspects it
// Then: the finding requires Main and names the marker and line
func TestMarkerScanner_FindsMarker(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "scripts/panel.py", []byte("import os\nimport sys\nfrom PySide6 import QtWidgets\n"), 0o644))

	s := NewMarkerScanner(fs, nil)
	f, err := s.Inspect(sourceDescriptor("scripts/panel.py"))
	require.NoError(t, err)
	assert.True(t, f.RequiresMain)
	assert.Equal(t, "scripts/panel.py references PySide6 (line 3)", f.Detail)
}

func TestMarkerScanner_NoMarker(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "a.py", []byte("print('hi')\n"), 0o644))

	f, err := NewMarkerScanner(fs, nil).Inspect(sourceDescriptor("a.py"))
	require.NoError(t, err)
	assert.False(t, f.RequiresMain)
}

func TestMarkerScanner_CustomMarkersAndEdgeCases(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "a.txt", []byte("calls tkinter here\n"), 0o644))

	s := NewMarkerScanner(fs, []string{"", "tkinter"})
	f, err := s.Inspect(sourceDescriptor("a.txt"))
	require.NoError(t, err)
	assert.True(t, f.RequiresMain)

	// no source never flags and never touches the filesystem
	f, err = s.Inspect(descriptor("inline", KindPlain))
	require.NoError(t, err)
	assert.False(t, f.RequiresMain)

	_, err = s.Inspect(sourceDescriptor("missing.txt"))
	require.Error(t, err)
}

func TestMarkerScanner_LineTooLong(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "big.txt", []byte(strings.Repeat("x", maxScanLine+10)), 0o644))

	_, err := NewMarkerScanner(fs, nil).Inspect(sourceDescriptor("big.txt"))
	require.Error(t, err)
}

type countingIntrospector struct {
	calls int
	err   error
}

func (c *countingIntrospector) Inspect(d WorkDescriptor) (Finding, error) {
	c.calls++
	return Finding{RequiresMain: d.Payload.Source == "ui.py"}, c.err
}

// TestCachedIntrospector verifies a source is analysed once until invalidated
func TestCachedIntrospector(t *testing.T) {
	inner := &countingIntrospector{}
	c := NewCachedIntrospector(inner)

	for range 3 {
		f, err := c.Inspect(sourceDescriptor("ui.py"))
		require.NoError(t, err)
		assert.True(t, f.RequiresMain)
	}
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 1, c.Misses())

	c.Invalidate("ui.py")
	_, err := c.Inspect(sourceDescriptor("ui.py"))
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	// inline work is never cached
	_, _ = c.Inspect(descriptor("inline", KindPlain))
	_, _ = c.Inspect(descriptor("inline", KindPlain))
	assert.Equal(t, 4, inner.calls)
}

func TestCachedIntrospector_ErrorsNotCached(t *testing.T) {
	inner := &countingIntrospector{err: assert.AnError}
	c := NewCachedIntrospector(inner)

	_, err := c.Inspect(sourceDescriptor("a.py"))
	require.Error(t, err)
	_, err = c.Inspect(sourceDescriptor("a.py"))
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}
