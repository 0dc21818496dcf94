package fwupdate

import (
	"testing"

	"openenterprise/weatherstation/ota"
	"openenterprise/weatherstation/transport"
)

func newTestController() (*Controller, *transport.FakePublisher, *ota.FakeDriver) {
	pub := transport.NewFakePublisher()
	flash := ota.NewFakeDriver()
	ctrl := NewController(pub, flash, DefaultConfig(), "Weather Station", "V1.0", nil)
	return ctrl, pub, flash
}

func TestAssemblerSingleFragmentMessage(t *testing.T) {
	ctrl, _, _ := newTestController()
	a := NewAssembler(ctrl)

	body := []byte(`{"shared":{"fw_title":"Weather Station","fw_version":"V2.0"}}`)
	if err := a.HandleFragment("v1/devices/me/attributes/response/1", 0, uint32(len(body)), uint32(len(body)), body); err != nil {
		t.Fatalf("HandleFragment() error = %v", err)
	}
	if ctrl.State() != Downloading {
		t.Errorf("state = %v, want Downloading after new image descriptor", ctrl.State())
	}
}

func TestAssemblerMultiFragmentReassembly(t *testing.T) {
	ctrl, _, _ := newTestController()
	a := NewAssembler(ctrl)

	full := []byte(`{"shared":{"fw_title":"Weather Station","fw_version":"V2.0"}}`)
	part1 := full[:20]
	part2 := full[20:]

	if err := a.HandleFragment("v1/devices/me/attributes/response/1", 0, uint32(len(part1)), uint32(len(full)), part1); err != nil {
		t.Fatalf("HandleFragment() part1 error = %v", err)
	}
	if ctrl.State() != Idle {
		t.Errorf("state = %v after partial fragment, want Idle (not yet reassembled)", ctrl.State())
	}

	if err := a.HandleFragment("v1/devices/me/attributes/response/1", uint32(len(part1)), uint32(len(part2)), uint32(len(full)), part2); err != nil {
		t.Fatalf("HandleFragment() part2 error = %v", err)
	}
	if ctrl.State() != Downloading {
		t.Errorf("state = %v, want Downloading after reassembly completes", ctrl.State())
	}
}

func TestAssemblerRoutesChunkResponse(t *testing.T) {
	ctrl, _, _ := newTestController()
	a := NewAssembler(ctrl)

	// Begin a session so fwSessionID advances and chunk 0 is expected.
	chunk := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	desc := descriptorBody("Weather Station", "V2.0", len(chunk), sha256Hex(chunk))
	a.HandleFragment("v1/devices/me/attributes/response/1", 0, uint32(len(desc)), uint32(len(desc)), desc)

	sid := ctrl.FirmwareSessionID()
	topic := "v2/fw/response/" + itoa(sid) + "/chunk/0"
	if err := a.HandleFragment(topic, 0, uint32(len(chunk)), uint32(len(chunk)), chunk); err != nil {
		t.Fatalf("HandleFragment() chunk error = %v", err)
	}
	if ctrl.State() != Updated && ctrl.State() != Updating {
		t.Errorf("state = %v after full chunk delivered, want session to finalize", ctrl.State())
	}
}

func TestAssemblerDropsUnparseableTopic(t *testing.T) {
	ctrl, _, _ := newTestController()
	a := NewAssembler(ctrl)

	if err := a.HandleFragment("garbage/topic", 0, 3, 3, []byte("abc")); err != nil {
		t.Errorf("HandleFragment() on unparseable topic should not error, got %v", err)
	}
}

func TestAssemblerBufferEvictionBound(t *testing.T) {
	ctrl, _, _ := newTestController()
	a := NewAssembler(ctrl)

	// Open more concurrent partial messages than maxAssemblerBuffers.
	for i := 0; i < maxAssemblerBuffers+2; i++ {
		topic := "v2/fw/response/999/chunk/" + itoa(uint64(i))
		a.HandleFragment(topic, 0, 1, 4, []byte{0xAA})
	}
	if len(a.buffers) > maxAssemblerBuffers {
		t.Errorf("buffers len = %d, want <= %d", len(a.buffers), maxAssemblerBuffers)
	}
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
