package main

import (
	"fmt"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/cell-detection-service/paths"
)

// runtimeLibraryDirs lists where the ONNX Runtime shared library is probed
// when no explicit path is configured.
func runtimeLibraryDirs(serviceDir string) []string {
	dirs := []string{
		filepath.Join(serviceDir, "lib"),
		filepath.Join(filepath.Dir(serviceDir), "lib"),
	}

	switch runtime.GOOS {
	case "darwin":
		dirs = append(dirs, "/opt/homebrew/lib", "/usr/local/lib")
	case "windows":
		dirs = append(dirs, serviceDir)
	default:
		dirs = append(dirs, "/usr/local/lib", "/usr/lib", "/usr/lib/x86_64-linux-gnu", "/usr/lib/aarch64-linux-gnu")
	}
	return dirs
}

// initRuntime loads the ONNX Runtime shared library and initializes the
// process-wide environment. The returned function tears it down.
func initRuntime(serviceDir, override string) (string, func(), error) {
	libPath, err := paths.ResolveRuntimeLibrary(override, runtimeLibraryDirs(serviceDir))
	if err != nil {
		return "", nil, err
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return "", nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	return libPath, func() {
		ort.DestroyEnvironment()
	}, nil
}
