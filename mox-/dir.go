package mox

import "path/filepath"

// ResolvePath returns f interpreted relative to base when f is not absolute.
func ResolvePath(base, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(base, f)
}
