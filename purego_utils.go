//go:build (darwin || linux) && !nocfhd

// Shared utilities for purego-based native library loading.

package cfenc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/ebitengine/purego"
)

// nativeLib describes where to look for a shared library.
type nativeLib struct {
	Name    string // Base name without prefix/suffix, e.g. "CFHDCodec"
	FileEnv string // Env var holding the full library path
	DirEnv  string // Env var holding a directory to search
}

// fileName returns the platform file name of the library.
func (l nativeLib) fileName() string {
	if runtime.GOOS == "darwin" {
		return "lib" + l.Name + ".dylib"
	}
	return "lib" + l.Name + ".so"
}

// searchPaths lists candidate paths, highest priority first.
func (l nativeLib) searchPaths() []string {
	var paths []string
	libName := l.fileName()

	// Environment variable overrides (highest priority)
	if l.FileEnv != "" {
		if envPath := os.Getenv(l.FileEnv); envPath != "" {
			paths = append(paths, envPath)
		}
	}
	if l.DirEnv != "" {
		if envPath := os.Getenv(l.DirEnv); envPath != "" {
			paths = append(paths, filepath.Join(envPath, libName))
		}
	}

	// Search relative to executable location
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	// Search relative to working directory
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths,
			filepath.Join(wd, libName),
			filepath.Join(wd, "build", libName),
			filepath.Join(wd, "lib", libName),
		)
	}

	// Search relative to module root (find go.mod from cwd)
	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		paths = append(paths,
			filepath.Join(moduleRoot, "build", libName),
			filepath.Join(moduleRoot, "lib", libName),
		)
	}

	// System paths (lowest priority)
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/opt/homebrew/lib", libName),
		)
	case "linux":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/usr/lib", libName),
			filepath.Join("/usr/lib/x86_64-linux-gnu", libName),
			filepath.Join("/usr/lib/aarch64-linux-gnu", libName),
		)
	}

	return paths
}

// open loads the first path that dlopens and passes bind.
func (l nativeLib) open(bind func(handle uintptr) error) (uintptr, error) {
	var lastErr error
	for _, path := range l.searchPaths() {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		if err := bind(handle); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		return handle, nil
	}

	if lastErr != nil {
		return 0, fmt.Errorf("failed to load %s: %w", l.fileName(), lastErr)
	}
	return 0, errors.New(l.fileName() + " not found in any standard location")
}

// findModuleRoot walks up the directory tree from the current working directory
// to find the module root (directory containing go.mod).
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
