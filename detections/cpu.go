package detections

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUFeatures lists the vector extensions ONNX Runtime can use on this host.
func CPUFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "neon")
		}
		if cpu.ARM64.HasSVE {
			features = append(features, "sve")
		}
	}
	return features
}
