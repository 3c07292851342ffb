package fingerprint

import (
	"runtime"

	"github.com/harrylevesque/devlink/internal/models"
)

// Platform returns the platform name the authority expects ("win32" rather
// than "windows").
func Platform() string {
	if runtime.GOOS == "windows" {
		return "win32"
	}
	return runtime.GOOS
}

// OSFamily maps a platform name to the family reported to the authority.
func OSFamily(platform string) string {
	switch platform {
	case "win32":
		return "Windows"
	case "darwin":
		return "macOS"
	default:
		return "Linux"
	}
}

// Describe returns the device descriptor sent along with authentication.
func Describe() models.DeviceInfo {
	p := Platform()
	return models.DeviceInfo{Platform: p, OS: OSFamily(p), Version: osVersion()}
}
