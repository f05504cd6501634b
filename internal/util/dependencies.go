package util

import (
	"os/exec"

	"github.com/hashicorp/go-hclog"
)

// CheckDependencies reports the external binaries the server shells out to.
// It returns false when a required one is missing.
func CheckDependencies(ffmpegPath string, logger hclog.Logger) bool {
	deps := []struct {
		name     string
		required bool
	}{
		{ffmpegPath, true},
		{"ffprobe", false},
	}

	ok := true
	for _, dep := range deps {
		path, err := exec.LookPath(dep.name)
		switch {
		case err != nil && dep.required:
			logger.Error("dependency not found", "name", dep.name, "required", true)
			ok = false
		case err != nil:
			logger.Warn("dependency not found", "name", dep.name, "required", false)
		default:
			logger.Info("dependency found", "name", dep.name, "path", path)
		}
	}
	return ok
}
