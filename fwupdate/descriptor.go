package fwupdate

import "strings"

// descriptor accumulates the advertised-image fields as they arrive
// across one or more attribute-response messages (spec §3: "each field
// optional until the full set arrives"). Fields persist across calls
// to OnAttributes; each key that arrives overwrites its previous value,
// and starting or finishing a session does not clear them.
type descriptor struct {
	title             string
	hasTitle          bool
	version           string
	hasVersion        bool
	size              uint32
	hasSize           bool
	checksum          string
	hasChecksum       bool
	checksumAlgorithm string
	hasAlgorithm      bool
}

// apply updates the descriptor from one attribute-response body's
// shared keys. Unrecognized keys are ignored.
func (d *descriptor) apply(body []byte) {
	parseSharedAttributes(body, func(key, value string) {
		value = strings.TrimSpace(value)
		switch key {
		case "fw_title":
			d.title, d.hasTitle = value, true
		case "fw_version":
			d.version, d.hasVersion = value, true
		case "fw_size":
			if n, ok := parseUint32(value); ok {
				d.size, d.hasSize = n, true
			}
		case "fw_checksum":
			d.checksum, d.hasChecksum = strings.ToLower(value), true
		case "fw_checksum_algorithm":
			d.checksumAlgorithm, d.hasAlgorithm = value, true
		}
	})
}

// readyForSession reports whether both title and version have arrived.
func (d *descriptor) readyForSession() bool {
	return d.hasTitle && d.hasVersion
}

// differsFrom reports whether the accumulated title/version differ
// from the currently running image's identity.
func (d *descriptor) differsFrom(currentTitle, currentVersion string) bool {
	return d.title != currentTitle || d.version != currentVersion
}

func parseUint32(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
		if n > 0xFFFFFFFF {
			return 0, false
		}
	}
	return uint32(n), true
}
