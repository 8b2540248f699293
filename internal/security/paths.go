// Package security checks user-supplied paths before they reach the
// filesystem or a serial driver.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DeviceDir is where serial adapters appear, directly or through udev's
// /dev/serial/by-id links.
const DeviceDir = "/dev"

// ValidatePathWithinDirectory reports an error when filePath, after
// cleaning and resolving symlinks, lies outside dir. Paths that do not
// exist yet are resolved through their nearest existing parent.
func ValidatePathWithinDirectory(filePath, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory path: %w", err)
	}

	canonicalPath := absPath
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		canonicalPath = resolved
	} else {
		// a missing leaf can still hide behind a symlinked parent
		for check := absPath; ; {
			parent := filepath.Dir(check)
			if parent == check {
				break
			}
			if resolved, err := filepath.EvalSymlinks(parent); err == nil {
				rel, _ := filepath.Rel(parent, absPath)
				canonicalPath = filepath.Join(resolved, rel)
				break
			}
			check = parent
		}
	}

	canonicalDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s escapes %s", filePath, dir)
	}
	return nil
}

// ValidateDevicePath accepts absolute serial device paths under DeviceDir.
func ValidateDevicePath(path string) error {
	if path == "" {
		return fmt.Errorf("device path is empty")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("device path %q must be absolute", path)
	}
	return ValidatePathWithinDirectory(path, DeviceDir)
}

// SanitizeFilename makes a safe file name from an arbitrary string. Runs
// of anything other than ASCII letters, digits, dot, underscore and dash
// collapse to one underscore.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
