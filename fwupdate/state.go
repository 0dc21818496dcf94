package fwupdate

// State is the OTA Controller's discriminated state (spec §3). Only
// Idle is re-entrant; every other value represents one unique session
// phase (see the state diagram in spec §4.1).
type State uint8

const (
	Idle State = iota
	Downloading
	Downloaded
	Verifying
	Updating
	Updated
	Failed
)

// String returns the uppercase FW_STATE name used in telemetry payloads
// (spec §4.3).
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Downloading:
		return "DOWNLOADING"
	case Downloaded:
		return "DOWNLOADED"
	case Verifying:
		return "VERIFYING"
	case Updating:
		return "UPDATING"
	case Updated:
		return "UPDATED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
