package fwupdate

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"openenterprise/weatherstation/ota"
	"openenterprise/weatherstation/transport"
)

func descriptorBody(title, version string, size int, checksum string) []byte {
	return []byte(`{"shared":{"fw_title":"` + title + `","fw_version":"` + version +
		`","fw_size":` + itoa(uint64(size)) + `,"fw_checksum":"` + checksum + `"}}`)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// driveChunks feeds image through ctrl/assembler in strict order 0..N-1,
// splitting image into chunkSize pieces. No trailing empty chunk is
// sent: the controller finalizes as soon as receivedBytes==size.
func driveChunks(t *testing.T, ctrl *Controller, a *Assembler, image []byte, chunkSize int) {
	t.Helper()
	sid := ctrl.FirmwareSessionID()
	idx := uint32(0)
	for off := 0; off < len(image); off += chunkSize {
		end := off + chunkSize
		if end > len(image) {
			end = len(image)
		}
		topic := "v2/fw/response/" + itoa(sid) + "/chunk/" + itoa(uint64(idx))
		chunk := image[off:end]
		if err := a.HandleFragment(topic, 0, uint32(len(chunk)), uint32(len(chunk)), chunk); err != nil {
			t.Fatalf("chunk %d: %v", idx, err)
		}
		idx++
	}
}

func TestControllerHappyPath(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	ctrl := NewController(pub, flash, DefaultConfig(), "Weather Station", "V1.0", nil)
	a := NewAssembler(ctrl)

	image := make([]byte, 20)
	for i := range image {
		image[i] = byte(i)
	}
	checksum := sha256Hex(image)

	a.HandleFragment("v1/devices/me/attributes/response/1", 0, 0, 0, descriptorBody("Weather Station", "V2.0", len(image), checksum))
	if ctrl.State() != Downloading {
		t.Fatalf("state = %v, want Downloading", ctrl.State())
	}

	driveChunks(t, ctrl, a, image, 8)

	if ctrl.State() != Updated {
		t.Fatalf("state = %v, want Updated", ctrl.State())
	}
	if flash.Rebooted != 1 {
		t.Errorf("Rebooted = %d, want 1", flash.Rebooted)
	}
	title, version := ctrl.CurrentImage()
	if title != "Weather Station" || version != "V2.0" {
		t.Errorf("CurrentImage() = (%q, %q), want (Weather Station, V2.0)", title, version)
	}
}

func TestControllerOutOfOrderChunks(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	ctrl := NewController(pub, flash, DefaultConfig(), "Weather Station", "V1.0", nil)
	a := NewAssembler(ctrl)

	image := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ012345") // 32 bytes, 4 chunks of 8
	checksum := sha256Hex(image)

	a.HandleFragment("v1/devices/me/attributes/response/1", 0, 0, 0, descriptorBody("Weather Station", "V2.0", len(image), checksum))

	sid := ctrl.FirmwareSessionID()
	chunkAt := func(idx int) []byte { return image[idx*8 : idx*8+8] }
	topicFor := func(idx int) string { return "v2/fw/response/" + itoa(sid) + "/chunk/" + itoa(uint64(idx)) }

	// deliver 0, 2, 1, 3 — 2 must be buffered until 1 arrives.
	a.HandleFragment(topicFor(0), 0, 8, 8, chunkAt(0))
	a.HandleFragment(topicFor(2), 0, 8, 8, chunkAt(2))
	if ctrl.State() != Downloading {
		t.Fatalf("state = %v after index 2 arrives early, want still Downloading", ctrl.State())
	}
	a.HandleFragment(topicFor(1), 0, 8, 8, chunkAt(1))
	a.HandleFragment(topicFor(3), 0, 8, 8, chunkAt(3))

	if ctrl.State() != Updated {
		t.Fatalf("state = %v, want Updated after reordered chunks drain", ctrl.State())
	}
}

func TestControllerDuplicateChunkIsNoOp(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	ctrl := NewController(pub, flash, DefaultConfig(), "Weather Station", "V1.0", nil)
	a := NewAssembler(ctrl)

	image := []byte("ABCDEFGH")
	checksum := sha256Hex(image)
	a.HandleFragment("v1/devices/me/attributes/response/1", 0, 0, 0, descriptorBody("Weather Station", "V2.0", len(image), checksum))

	sid := ctrl.FirmwareSessionID()
	topic := "v2/fw/response/" + itoa(sid) + "/chunk/0"
	a.HandleFragment(topic, 0, 8, 8, image)
	if ctrl.State() != Updated {
		t.Fatalf("state = %v, want Updated", ctrl.State())
	}
	// Replaying index 0 after the session already finished must not error or panic.
	if err := a.HandleFragment(topic, 0, 8, 8, image); err != nil {
		t.Errorf("replayed chunk 0 after completion: %v", err)
	}
}

func TestControllerChecksumMismatchFails(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	ctrl := NewController(pub, flash, DefaultConfig(), "Weather Station", "V1.0", nil)
	a := NewAssembler(ctrl)

	image := []byte("ABCDEFGH")
	a.HandleFragment("v1/devices/me/attributes/response/1", 0, 0, 0, descriptorBody("Weather Station", "V2.0", len(image), "deadbeef"))

	sid := ctrl.FirmwareSessionID()
	a.HandleFragment("v2/fw/response/"+itoa(sid)+"/chunk/0", 0, 8, 8, image)

	if ctrl.State() != Failed {
		t.Fatalf("state = %v, want Failed", ctrl.State())
	}
	if ctrl.FailReason() != ErrChecksumMismatch.Error() {
		t.Errorf("FailReason() = %q, want %q", ctrl.FailReason(), ErrChecksumMismatch.Error())
	}
	if flash.Rebooted != 0 {
		t.Errorf("Rebooted = %d, want 0 on checksum failure", flash.Rebooted)
	}
}

func TestControllerNoInactiveSlotFails(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	flash.NoSlot = true
	ctrl := NewController(pub, flash, DefaultConfig(), "Weather Station", "V1.0", nil)
	a := NewAssembler(ctrl)

	a.HandleFragment("v1/devices/me/attributes/response/1", 0, 0, 0, descriptorBody("Weather Station", "V2.0", 8, "anything"))

	if ctrl.State() != Failed {
		t.Fatalf("state = %v, want Failed", ctrl.State())
	}
	if ctrl.FailReason() != ErrNoValidPartition.Error() {
		t.Errorf("FailReason() = %q, want %q", ctrl.FailReason(), ErrNoValidPartition.Error())
	}
}

func TestControllerMidSessionRestart(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	ctrl := NewController(pub, flash, DefaultConfig(), "Weather Station", "V1.0", nil)
	a := NewAssembler(ctrl)

	a.HandleFragment("v1/devices/me/attributes/response/1", 0, 0, 0, descriptorBody("Weather Station", "V2.0", 32, "first-checksum"))
	firstSession := ctrl.FirmwareSessionID()

	// A newer descriptor arrives mid-download; must start a fresh session.
	image := []byte("0123456789ABCDEF")
	checksum := sha256Hex(image)
	a.HandleFragment("v1/devices/me/attributes/response/2", 0, 0, 0, descriptorBody("Weather Station", "V3.0", len(image), checksum))

	if ctrl.FirmwareSessionID() == firstSession {
		t.Fatalf("FirmwareSessionID() unchanged, want a new session on descriptor restart")
	}
	if ctrl.State() != Downloading {
		t.Fatalf("state = %v, want Downloading after restart", ctrl.State())
	}

	driveChunks(t, ctrl, a, image, 16)
	if ctrl.State() != Updated {
		t.Fatalf("state = %v, want Updated", ctrl.State())
	}
	_, version := ctrl.CurrentImage()
	if version != "V3.0" {
		t.Errorf("CurrentImage() version = %q, want V3.0", version)
	}
}

func TestControllerMatchingDescriptorStaysIdle(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	ctrl := NewController(pub, flash, DefaultConfig(), "Weather Station", "V1.0", nil)
	a := NewAssembler(ctrl)

	a.HandleFragment("v1/devices/me/attributes/response/1", 0, 0, 0, descriptorBody("Weather Station", "V1.0", 32, "whatever"))

	if ctrl.State() != Idle {
		t.Fatalf("state = %v, want Idle when advertised image matches running image", ctrl.State())
	}
}

// TestControllerZeroSizeFirmware covers the spec's size == 0 boundary
// case: a descriptor with fw_size 0 must finalize immediately, with no
// chunk ever requested or accepted, verifying against the SHA-256 of
// the empty string.
func TestControllerZeroSizeFirmware(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	ctrl := NewController(pub, flash, DefaultConfig(), "Weather Station", "V1.0", nil)
	a := NewAssembler(ctrl)

	checksum := sha256Hex(nil)
	a.HandleFragment("v1/devices/me/attributes/response/1", 0, 0, 0, descriptorBody("Weather Station", "V2.0", 0, checksum))

	if ctrl.State() != Updated {
		t.Fatalf("state = %v, want Updated for a zero-size image", ctrl.State())
	}
	if flash.Rebooted != 1 {
		t.Errorf("Rebooted = %d, want 1", flash.Rebooted)
	}
	title, version := ctrl.CurrentImage()
	if title != "Weather Station" || version != "V2.0" {
		t.Errorf("CurrentImage() = (%q, %q), want (Weather Station, V2.0)", title, version)
	}
	if _, found := pub.LastTo("v2/fw/request/"); found {
		t.Errorf("a chunk was requested for a zero-size image, want none")
	}
}

func TestControllerChunkTimeoutRerequests(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	cfg := DefaultConfig()
	// Keep DOWNLOADING heartbeats out of this window so only the
	// watchdog's re-request can publish.
	cfg.DownloadingTelemetryInterval = 3 * cfg.ChunkTimeout
	ctrl := NewController(pub, flash, cfg, "Weather Station", "V1.0", nil)
	a := NewAssembler(ctrl)

	a.HandleFragment("v1/devices/me/attributes/response/1", 0, 0, 0, descriptorBody("Weather Station", "V2.0", 32, "whatever"))

	start := ctrl.lastChunkTick
	before := len(pub.Published)

	ctrl.OnTick(start.Add(cfg.ChunkTimeout - 1))
	if len(pub.Published) != before {
		t.Errorf("published %d new messages before timeout elapsed, want 0", len(pub.Published)-before)
	}

	ctrl.OnTick(start.Add(cfg.ChunkTimeout + 1))
	if len(pub.Published) == before {
		t.Errorf("expected a re-request publish once the chunk timeout elapses")
	}
	if last := pub.Last(); last.Topic == "" {
		t.Errorf("expected a publish after timeout, got none")
	}
}

func TestControllerDownloadingHeartbeatThrottled(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	cfg := DefaultConfig()
	ctrl := NewController(pub, flash, cfg, "Weather Station", "V1.0", nil)
	a := NewAssembler(ctrl)

	a.HandleFragment("v1/devices/me/attributes/response/1", 0, 0, 0, descriptorBody("Weather Station", "V2.0", 32, "whatever"))

	start := ctrl.lastHeartbeatEmit
	before := len(pub.Published)
	ctrl.OnTick(start.Add(cfg.DownloadingTelemetryInterval - 1))
	afterShortTick := len(pub.Published)
	if afterShortTick != before {
		t.Errorf("heartbeat emitted before interval elapsed")
	}

	ctrl.OnTick(start.Add(cfg.DownloadingTelemetryInterval + 1))
	if len(pub.Published) == afterShortTick {
		t.Errorf("expected a heartbeat telemetry publish once the interval elapses")
	}
}

func TestControllerIdleAttributeRefreshCadence(t *testing.T) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	cfg := DefaultConfig()
	ctrl := NewController(pub, flash, cfg, "Weather Station", "V1.0", nil)
	ctrl.Start()

	before := len(pub.Published)
	ctrl.OnTick(ctrl.idleRefreshAt.Add(1))
	if len(pub.Published) == before {
		t.Errorf("expected an attribute request publish once the idle refresh interval elapses")
	}
}
