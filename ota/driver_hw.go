//go:build tinygo

package ota

// HWDriver implements Driver on top of the RP2350's native A/B
// partition scheme (ota.go's ROM-backed functions). It is the slot
// driver main.go hands to the OTA Controller on real hardware.
type HWDriver struct {
	target SlotHandle // slot selected by the last SetBoot call
}

// NewHWDriver returns the hardware Flash Slot Driver.
func NewHWDriver() *HWDriver { return &HWDriver{} }

// SelectInactiveSlot returns the partition opposite the one currently booted.
func (*HWDriver) SelectInactiveSlot() (SlotHandle, bool) {
	return SlotHandle(GetTargetPartition()), true
}

// Erase erases the entire target partition.
func (*HWDriver) Erase(handle SlotHandle) error {
	return ErasePartition(int(handle))
}

// BeginWrite opens a sector-aligned append cursor over the partition.
func (*HWDriver) BeginWrite(handle SlotHandle, expectedSize uint32) (SlotWriter, error) {
	maxSize := GetPartitionMaxSize()
	if expectedSize > 0 && expectedSize > maxSize {
		return nil, ErrImageTooLarge
	}
	return &hwSlotWriter{
		base:   GetPartitionOffset(int(handle)),
		maxLen: maxSize,
	}, nil
}

// SetBoot records the partition as the one Reboot should switch into.
// On this platform "set boot" and "pick reboot target" are a single
// ROM call (RebootToPartition), so SetBoot just stages the choice.
func (d *HWDriver) SetBoot(handle SlotHandle) error {
	d.target = handle
	return nil
}

// Reboot switches the boot pointer to the slot selected by the last
// SetBoot call and resets. Does not return on success.
func (d *HWDriver) Reboot() {
	RebootToPartition(int(d.target))
}

// hwSlotWriter streams bytes into a partition sector-by-sector,
// erasing each sector lazily just before the write cursor first
// enters it (ota_server.go's on-demand erase strategy, reused here).
type hwSlotWriter struct {
	base     uint32 // partition flash offset
	maxLen   uint32
	written  uint32
	erasedTo uint32 // offset up to which sectors have been erased
}

// Append writes data at the current stream position, erasing whole
// sectors just ahead of the write cursor as needed.
func (w *hwSlotWriter) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if w.maxLen > 0 && uint64(w.written)+uint64(len(data)) > uint64(w.maxLen) {
		return ErrImageTooLarge
	}

	end := w.written + uint32(len(data))
	for w.erasedTo < end {
		sectorOffset := w.base + w.erasedTo
		if err := EraseSector(sectorOffset); err != nil {
			return ErrFlashEraseFailed
		}
		w.erasedTo += SectorSize
	}

	if err := WriteChunk(w.base+w.written, data); err != nil {
		return ErrFlashWriteFailed
	}
	w.written = end
	return nil
}

// End finalizes the write. Nothing further is required on this
// platform: flash_flush_cache already runs per WriteChunk, and the
// partition becomes readable immediately.
func (*hwSlotWriter) End() error {
	return nil
}
