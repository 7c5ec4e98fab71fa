// Package paths locates the files the service needs before it can start:
// the model weights, the static UI directory and the ONNX Runtime library.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	DefaultModelFile = "best.onnx"
	PublicDirName    = "public"
	ModelsDirName    = "models"
)

// ConfigError reports that none of the candidate locations for a required
// file or directory exists.
type ConfigError struct {
	Kind       string
	Candidates []string
	Hint       string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s not found, checked:", e.Kind)
	for _, c := range e.Candidates {
		fmt.Fprintf(&b, "\n  - %s", c)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "\n%s", e.Hint)
	}
	return b.String()
}

// FirstExisting returns the absolute form of the first candidate that exists.
// With wantDir set a candidate must be a directory, otherwise it must not be.
func FirstExisting(kind string, candidates []string, wantDir bool) (string, error) {
	checked := make([]string, 0, len(candidates))
	for _, c := range candidates {
		abs, err := filepath.Abs(c)
		if err != nil {
			abs = filepath.Clean(c)
		}
		checked = append(checked, abs)

		info, err := os.Stat(abs)
		if err != nil {
			continue
		}
		if info.IsDir() == wantDir {
			return abs, nil
		}
	}
	return "", &ConfigError{Kind: kind, Candidates: checked}
}

// ModelCandidates lists where the model is looked for. A non-empty override
// is the only candidate; relative overrides are taken from serviceDir.
func ModelCandidates(serviceDir, override string) []string {
	override = strings.TrimSpace(override)
	if override != "" {
		if filepath.IsAbs(override) {
			return []string{override}
		}
		return []string{filepath.Join(serviceDir, override)}
	}
	return []string{
		filepath.Join(serviceDir, ModelsDirName, DefaultModelFile),
		filepath.Join(filepath.Dir(serviceDir), ModelsDirName, DefaultModelFile),
	}
}

// ResolveModel returns the model weights path.
func ResolveModel(serviceDir, override string) (string, error) {
	p, err := FirstExisting("model file", ModelCandidates(serviceDir, override), false)
	return p, withHint(err, "put the model at one of these paths or set MODEL_PATH")
}

// PublicDirCandidates lists where the static UI is looked for, project root
// first.
func PublicDirCandidates(serviceDir, override string) []string {
	override = strings.TrimSpace(override)
	if override != "" {
		if filepath.IsAbs(override) {
			return []string{override}
		}
		return []string{filepath.Join(serviceDir, override)}
	}
	return []string{
		filepath.Join(filepath.Dir(serviceDir), PublicDirName),
		filepath.Join(serviceDir, PublicDirName),
	}
}

// ResolvePublicDir returns the static-assets directory.
func ResolvePublicDir(serviceDir, override string) (string, error) {
	p, err := FirstExisting("public directory", PublicDirCandidates(serviceDir, override), true)
	return p, withHint(err, "create a 'public' folder holding index.html and the UI assets or set PUBLIC_DIR")
}

// RuntimeLibraryName returns the ONNX Runtime shared library file name for goos.
func RuntimeLibraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// ResolveRuntimeLibrary locates the ONNX Runtime shared library, either the
// override or the platform library name inside one of dirs.
func ResolveRuntimeLibrary(override string, dirs []string) (string, error) {
	override = strings.TrimSpace(override)
	if override != "" {
		return FirstExisting("onnxruntime library", []string{override}, false)
	}

	name := RuntimeLibraryName(runtime.GOOS)
	candidates := make([]string, 0, len(dirs))
	for _, d := range dirs {
		candidates = append(candidates, filepath.Join(d, name))
	}
	p, err := FirstExisting("onnxruntime library", candidates, false)
	return p, withHint(err, "install onnxruntime or set ONNXRUNTIME_LIB")
}

func withHint(err error, hint string) error {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		cfgErr.Hint = hint
	}
	return err
}
