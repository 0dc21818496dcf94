// Package ota provides the Flash Slot Driver: the abstract dual-slot
// flash contract the OTA Controller writes a firmware image through,
// plus the RP2350 ROM-backed implementation of that contract.
//
// Flash operations themselves (erase, program, partition select,
// reboot) are hardware-coupled and live in the //go:build tinygo
// files; Driver and SlotWriter are the plain interfaces the rest of
// the repository programs against, so the controller never imports
// RP2350 ROM details directly.
package ota

import "errors"

// SlotHandle identifies one of the two application-image flash slots.
// It is opaque outside this package; callers obtain one only from
// Driver.SelectInactiveSlot and pass it back unmodified.
type SlotHandle int

// Driver is the abstract Flash Slot Driver contract from the OTA
// Controller's point of view (spec §4.5). All operations return an
// error; any error is fatal to the in-progress OTA session.
type Driver interface {
	// SelectInactiveSlot returns the slot that is not currently booted.
	// ok is false if no second slot exists to write to.
	SelectInactiveSlot() (handle SlotHandle, ok bool)

	// Erase erases the full extent of the given slot.
	Erase(handle SlotHandle) error

	// BeginWrite opens an append cursor for the given slot. expectedSize,
	// when nonzero, lets the driver reject an image that can't fit.
	BeginWrite(handle SlotHandle, expectedSize uint32) (SlotWriter, error)

	// SetBoot atomically marks handle as the next-boot target.
	SetBoot(handle SlotHandle) error

	// Reboot never returns on success.
	Reboot()
}

// SlotWriter is an open append cursor on a flash slot, as returned by
// Driver.BeginWrite. Append must accept stream-order bytes of
// arbitrary size; End finalizes the write so staged bytes become
// readable on the next boot.
type SlotWriter interface {
	Append(data []byte) error
	End() error
}

// ErrNoInactiveSlot names the case where there is no slot to write to.
// SelectInactiveSlot reports that case through its ok result; no
// function in this package returns this error.
var ErrNoInactiveSlot = errors.New("ota: no valid OTA partition found")
