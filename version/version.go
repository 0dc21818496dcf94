// Package version holds build identity shared by the firmware image and
// the ambient telemetry stack.
package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// Hardcoded build marker - change this to verify correct firmware is flashed
const BuildMarker = "build-001"

// CurrentTitle and CurrentVersion are the image's self-reported OTA
// identity: the values the OTA Controller compares an advertised
// descriptor against, and reports as current_fw_title/current_fw_version
// telemetry while Idle. They are compile-time constants for a given
// built image; a committed update overwrites the controller's in-RAM
// copy (see fwupdate.Controller) but never these constants, which is
// why the *next* boot's telemetry comes from the newly flashed binary's
// own build, not from runtime state carried across reboot.
const (
	CurrentTitle   = "Weather Station"
	CurrentVersion = "V1.0"
)
