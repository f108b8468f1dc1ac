package system

import (
	"runtime"
)

var (
	// The current version of this software, set at build time through
	// linker flags.
	Version = "develop"
)

type Information struct {
	Version      string `json:"version"`
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	CpuCount     int    `json:"cpu_count"`
}

// GetSystemInformation returns the static runtime information for the host
// this process is running on.
func GetSystemInformation() *Information {
	return &Information{
		Version:      Version,
		Architecture: runtime.GOARCH,
		OS:           runtime.GOOS,
		CpuCount:     runtime.NumCPU(),
	}
}
