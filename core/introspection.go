package core

import (
	"bufio"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Finding is the result of inspecting a unit of work's content.
type Finding struct {
	RequiresMain bool
	// Detail names what was found, e.g. the matched marker and line.
	Detail string
}

// ContentIntrospector analyses work content for operations that need the
// affinity thread. Implementations must be safe for concurrent use.
type ContentIntrospector interface {
	Inspect(d WorkDescriptor) (Finding, error)
}

// DefaultUnsafeMarkers are the UI toolkit module names whose presence in a
// script means it must run on the affinity thread.
var DefaultUnsafeMarkers = []string{"PySide2", "PySide6", "PyQt5", "PyQt6"}

// maxScanLine bounds a single source line; longer lines fail the scan.
const maxScanLine = 1 << 20

// MarkerScanner reads Payload.Source from a filesystem and looks for marker
// substrings line by line. Work without a Source is never flagged.
type MarkerScanner struct {
	fs      afero.Fs
	markers []string
}

// NewMarkerScanner creates a scanner over fs. nil markers selects
// DefaultUnsafeMarkers.
func NewMarkerScanner(fs afero.Fs, markers []string) *MarkerScanner {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if markers == nil {
		markers = DefaultUnsafeMarkers
	}
	return &MarkerScanner{fs: fs, markers: slicesCompact(markers)}
}

func (s *MarkerScanner) Inspect(d WorkDescriptor) (Finding, error) {
	if d.Payload.Source == "" || len(s.markers) == 0 {
		return Finding{}, nil
	}

	f, err := s.fs.Open(d.Payload.Source)
	if err != nil {
		return Finding{}, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanLine)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		for _, m := range s.markers {
			if strings.Contains(text, m) {
				return Finding{
					RequiresMain: true,
					Detail:       fmt.Sprintf("%s references %s (line %d)", d.Payload.Source, m, line),
				}, nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Finding{}, fmt.Errorf("scan source: %w", err)
	}
	return Finding{}, nil
}

func slicesCompact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// CachedIntrospector memoizes another introspector by Payload.Source.
// Work without a Source always reaches the inner introspector. Errors are
// not cached.
type CachedIntrospector struct {
	inner ContentIntrospector
	cache sync.Map // source -> Finding

	mu     sync.Mutex
	misses int
}

// NewCachedIntrospector wraps inner.
func NewCachedIntrospector(inner ContentIntrospector) *CachedIntrospector {
	return &CachedIntrospector{inner: inner}
}

func (c *CachedIntrospector) Inspect(d WorkDescriptor) (Finding, error) {
	key := d.Payload.Source
	if key == "" {
		return c.inner.Inspect(d)
	}
	if v, ok := c.cache.Load(key); ok {
		return v.(Finding), nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	finding, err := c.inner.Inspect(d)
	if err != nil {
		return Finding{}, err
	}
	actual, _ := c.cache.LoadOrStore(key, finding)
	return actual.(Finding), nil
}

// Invalidate drops the cached finding for source (after the file changed).
func (c *CachedIntrospector) Invalidate(source string) {
	c.cache.Delete(source)
}

// Misses returns how many lookups reached the inner introspector.
func (c *CachedIntrospector) Misses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}
