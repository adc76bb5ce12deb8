// Command onnx_check reports whether the ONNX Runtime shared library can be
// loaded on this machine. Run with: go run ./scripts [path/to/libonnxruntime.so]
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/goccy/go-json"

	"github.com/samcharles93/glance/internal/onnx"
)

type output struct {
	GoVersion   string `json:"go_version"`
	GoOS        string `json:"go_os"`
	GoArch      string `json:"go_arch"`
	CPUs        int    `json:"cpus"`
	Library     string `json:"library,omitempty"`
	Initialized bool   `json:"initialized"`
	Error       string `json:"error,omitempty"`
}

func main() {
	lib := os.Getenv("ONNXRUNTIME_LIB")
	if len(os.Args) > 1 {
		lib = os.Args[1]
	}

	out := output{
		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		Library:   lib,
	}
	rt, err := onnx.Init(lib)
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Initialized = true
		if err := rt.Close(); err != nil {
			out.Error = err.Error()
		}
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
	if !out.Initialized {
		os.Exit(1)
	}
}
