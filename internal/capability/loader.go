package capability

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LoadFile reads and validates a single descriptor file. The returned
// capability's Root is the file's directory, so relative entrypoints
// resolve next to the descriptor.
func LoadFile(path string) (*Capability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capability %s: %w", path, err)
	}
	c, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("capability %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("capability %s: %w", path, err)
	}
	c.Root = abs
	return c, nil
}

// LoadDir walks dir and loads every .yaml/.yml descriptor found. Files
// and directories whose names start with "." or "_" are skipped, as are
// "scripts" directories (those hold entrypoint code, not descriptors).
// A malformed descriptor aborts the whole load; a half-loaded pack is
// worse than a loud failure at startup.
func LoadDir(dir string, logger *slog.Logger) ([]*Capability, error) {
	var caps []*Capability
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "scripts") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			return nil
		}
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		c, err := LoadFile(path)
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Debug("capability loaded",
				slog.String("id", c.ID),
				slog.String("type", string(c.Type)),
				slog.String("path", path),
			)
		}
		caps = append(caps, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return caps, nil
}

// LoadDirs loads descriptors from each directory in order. Missing
// directories are skipped with a warning rather than failing startup,
// so a default config works before the user creates their pack dirs.
func LoadDirs(dirs []string, logger *slog.Logger) ([]*Capability, error) {
	var caps []*Capability
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if logger != nil {
				logger.Warn("capability directory missing, skipping", slog.String("dir", dir))
			}
			continue
		}
		loaded, err := LoadDir(dir, logger)
		if err != nil {
			return nil, err
		}
		caps = append(caps, loaded...)
	}
	return caps, nil
}
