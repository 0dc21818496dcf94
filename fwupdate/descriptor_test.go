package fwupdate

import "testing"

func TestDescriptorApplyAccumulates(t *testing.T) {
	var d descriptor

	d.apply([]byte(`{"shared":{"fw_title":"Weather Station"}}`))
	if d.readyForSession() {
		t.Fatalf("readyForSession() = true before version arrived")
	}

	d.apply([]byte(`{"shared":{"fw_version":"V2.0","fw_size":102400}}`))
	if !d.readyForSession() {
		t.Fatalf("readyForSession() = false after title+version arrived")
	}
	if d.size != 102400 || !d.hasSize {
		t.Errorf("size = %d, hasSize = %v, want 102400, true", d.size, d.hasSize)
	}
}

func TestDescriptorChecksumLowercased(t *testing.T) {
	var d descriptor
	d.apply([]byte(`{"shared":{"fw_checksum":"ABCDEF01"}}`))
	if d.checksum != "abcdef01" {
		t.Errorf("checksum = %q, want lowercased", d.checksum)
	}
}

func TestDescriptorDiffersFrom(t *testing.T) {
	var d descriptor
	d.apply([]byte(`{"shared":{"fw_title":"Weather Station","fw_version":"V1.0"}}`))

	if d.differsFrom("Weather Station", "V1.0") {
		t.Errorf("differsFrom() = true for identical title/version")
	}
	if !d.differsFrom("Weather Station", "V0.9") {
		t.Errorf("differsFrom() = false for different version")
	}
	if !d.differsFrom("Other Device", "V1.0") {
		t.Errorf("differsFrom() = false for different title")
	}
}

func TestDescriptorIgnoresUnknownKeys(t *testing.T) {
	var d descriptor
	d.apply([]byte(`{"shared":{"fw_title":"X","unrelated_key":"ignored","fw_version":"1"}}`))
	if !d.readyForSession() {
		t.Fatalf("readyForSession() = false, unknown key should not block parsing")
	}
}

func TestParseUint32(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"0", 0, true},
		{"102400", 102400, true},
		{"", 0, false},
		{"12.5", 0, false},
		{"-1", 0, false},
		{"4294967295", 4294967295, true},
		{"99999999999", 0, false},
	}
	for _, tc := range tests {
		got, ok := parseUint32(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parseUint32(%q) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
