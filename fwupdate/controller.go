// Package fwupdate implements the OTA Controller / State Machine, the
// Message Assembler's dispatch target, and the Timeout Watchdog (spec
// §4.1, §4.2, §4.4) — the core ~55% of this repository. It depends
// only on the abstract transport.Publisher and ota.Driver contracts,
// never on hardware or broker-client packages directly, which is what
// lets it run under `go test` without TinyGo (spec §9's design note:
// "keeps it testable with mock transports").
package fwupdate

import (
	"crypto/sha256"
	"errors"
	"hash"
	"log/slog"
	"strings"
	"time"

	"openenterprise/weatherstation/ota"
	"openenterprise/weatherstation/transport"
)

// Config holds the OTA tunables from spec §6. Zero-value fields are
// not valid; use DefaultConfig and override individual fields.
type Config struct {
	ChunkSize                    int
	PipelineDepth                int
	ChunkTimeout                 time.Duration
	DownloadingTelemetryInterval time.Duration
	ReorderBufferCap             int
	IdleAttributeRefreshInterval time.Duration
}

// DefaultConfig returns the spec §6 default tunables.
func DefaultConfig() Config {
	return Config{
		ChunkSize:                    4096,
		PipelineDepth:                3,
		ChunkTimeout:                 10 * time.Second,
		DownloadingTelemetryInterval: 5 * time.Second,
		ReorderBufferCap:             12,
		IdleAttributeRefreshInterval: 60 * time.Second,
	}
}

type reorderEntry struct {
	index uint32
	body  []byte
}

// Controller owns the OTA lifecycle described in spec §3/§4.1. It is
// constructed once per device and threaded explicitly into the
// transport's callback registration (via Assembler) rather than lived
// as package-level global state (spec §9's design note on global
// state).
type Controller struct {
	logger *slog.Logger
	pub    transport.Publisher
	flash  ota.Driver
	cfg    Config
	now    func() time.Time

	// PauseTelemetry/ResumeTelemetry bracket flash-critical sections
	// so ambient OTLP telemetry flushes never compete with flash
	// writes for CPU time (SPEC_FULL §12). Both are optional; a nil
	// hook is simply not called.
	PauseTelemetry  func()
	ResumeTelemetry func()

	currentTitle   string
	currentVersion string

	state      State
	failReason string

	adv descriptor

	attrRequestID uint64
	fwSessionID   uint64

	nextChunkIndex uint32
	receivedBytes  uint32
	size           uint32
	sizeKnown      bool
	checksum       string
	digest         hash.Hash
	reorder        []reorderEntry
	slotHandle     ota.SlotHandle
	writer         ota.SlotWriter
	lastChunkTick  time.Time

	lastHeartbeatEmit time.Time
	idleRefreshAt     time.Time
}

// NewController constructs a Controller for the given currently
// running image identity.
func NewController(pub transport.Publisher, flash ota.Driver, cfg Config, currentTitle, currentVersion string, logger *slog.Logger) *Controller {
	return &Controller{
		logger:         logger,
		pub:            pub,
		flash:          flash,
		cfg:            cfg,
		now:            time.Now,
		currentTitle:   currentTitle,
		currentVersion: currentVersion,
		state:          Idle,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State { return c.state }

// FailReason returns the reason string of the most recent Failed
// transition; empty if the controller has never failed.
func (c *Controller) FailReason() string { return c.failReason }

// CurrentImage returns the currently running image's self-reported title/version.
func (c *Controller) CurrentImage() (title, version string) {
	return c.currentTitle, c.currentVersion
}

// FirmwareSessionID returns the active (or most recently used) firmware session id.
func (c *Controller) FirmwareSessionID() uint64 { return c.fwSessionID }

// Start emits the startup Idle telemetry (spec §7's idempotence note:
// "the running image reports current_title/current_version on next
// Idle telemetry") and arms the idle attribute-refresh timer.
func (c *Controller) Start() {
	c.idleRefreshAt = c.now().Add(c.cfg.IdleAttributeRefreshInterval)
	c.emitTransition()
}

// RequestFirmwareInfo publishes a shared-attribute fetch naming the
// five advertised-image keys (spec §4.1).
func (c *Controller) RequestFirmwareInfo() error {
	c.attrRequestID++
	err := c.pub.Publish(transport.AttributeRequestTopic(c.attrRequestID), []byte(transport.AttributeRequestPayload))
	if err != nil && c.logger != nil {
		c.logger.Warn("ota:attribute-request-failed", slog.String("err", err.Error()))
	}
	return err
}

// OnAttributes parses an attribute-response body and begins a new
// session if it describes a different image than the one running
// (spec §4.1).
func (c *Controller) OnAttributes(body []byte) error {
	c.adv.apply(body)

	if !c.adv.readyForSession() {
		if c.logger != nil {
			c.logger.Warn("ota:incomplete-descriptor")
		}
		return ErrIncompleteDescriptor
	}

	if !c.adv.differsFrom(c.currentTitle, c.currentVersion) {
		if c.logger != nil {
			c.logger.Info("ota:descriptor-matches-current")
		}
		return nil
	}

	c.beginSession()
	return nil
}

// touchChunkTick is called by Assembler on every completed chunk
// message, in-order or not, so the timeout watchdog sees activity
// even while chunks are only arriving out of order.
func (c *Controller) touchChunkTick() {
	if c.state == Downloading {
		c.lastChunkTick = c.now()
	}
}

// logProtocolError logs and discards a Protocol-class error (spec §7).
func (c *Controller) logProtocolError(reason, detail string) {
	if c.logger != nil {
		c.logger.Warn("ota:protocol-error", slog.String("reason", reason), slog.String("detail", detail))
	}
}

// beginSession transitions Idle (or Failed, or mid-session Downloading)
// into a fresh Downloading session (spec §4.1, §5's cancellation rule).
func (c *Controller) beginSession() {
	c.fwSessionID++
	c.nextChunkIndex = 0
	c.receivedBytes = 0
	c.reorder = c.reorder[:0]
	c.digest = sha256.New()
	c.lastChunkTick = c.now()
	c.lastHeartbeatEmit = c.now()

	c.size = c.adv.size
	c.sizeKnown = c.adv.hasSize
	c.checksum = c.adv.checksum

	if c.adv.hasAlgorithm && !strings.EqualFold(c.adv.checksumAlgorithm, "sha256") {
		c.fail(ErrUnsupportedChecksumAlg)
		return
	}

	c.state = Downloading
	c.emitTransition()

	handle, ok := c.flash.SelectInactiveSlot()
	if !ok {
		c.fail(ErrNoValidPartition)
		return
	}
	c.slotHandle = handle

	c.withPause(func() error {
		if err := c.flash.Erase(handle); err != nil {
			return errors.Join(ErrEraseFailed, err)
		}
		return nil
	})
	if c.state == Failed {
		return
	}

	var expected uint32
	if c.sizeKnown {
		expected = c.size
	}
	var writer ota.SlotWriter
	c.withPause(func() error {
		w, err := c.flash.BeginWrite(handle, expected)
		if err != nil {
			if errors.Is(err, ota.ErrImageTooLarge) {
				return errors.Join(ErrImageTooLarge, err)
			}
			return errors.Join(ErrBeginWriteFailed, err)
		}
		writer = w
		return nil
	})
	if c.state == Failed {
		return
	}
	c.writer = writer

	// A zero-byte image never has a chunk to request or accept: finalize
	// straight away rather than waiting on a chunk that will never arrive
	// (spec §8: size == 0 goes Downloaded -> Verifying immediately).
	if c.sizeKnown && c.size == 0 {
		c.finalizeDownload()
		return
	}

	for i := 0; i < c.cfg.PipelineDepth; i++ {
		c.requestChunk(uint32(i))
	}
}

// withPause wraps a flash-critical operation with PauseTelemetry/ResumeTelemetry
// and, on error, fails the session with a mapped reason.
func (c *Controller) withPause(op func() error) {
	if c.PauseTelemetry != nil {
		c.PauseTelemetry()
	}
	err := op()
	if c.ResumeTelemetry != nil {
		c.ResumeTelemetry()
	}
	if err != nil {
		c.failFlash(err)
	}
}

// failFlash unwraps the sentinel half of a joined flash error and fails the session with it.
func (c *Controller) failFlash(err error) {
	for _, sentinel := range []error{ErrImageTooLarge, ErrEraseFailed, ErrBeginWriteFailed, ErrAppendFailed, ErrEndWriteFailed, ErrSetBootFailed} {
		if errors.Is(err, sentinel) {
			c.fail(sentinel)
			return
		}
	}
	c.fail(err)
}

// requestChunk publishes a chunk request unless the session has
// already consumed the full advertised size (spec §4.1).
func (c *Controller) requestChunk(index uint32) {
	if c.sizeKnown && c.receivedBytes >= c.size {
		return
	}
	topic := transport.ChunkRequestTopic(c.fwSessionID, index)
	if err := c.pub.Publish(topic, transport.ChunkRequestPayload(c.cfg.ChunkSize)); err != nil {
		// Transport errors on chunk requests fail the session (spec §7).
		c.fail(ErrPublishFailed)
	}
}

// OnChunk accepts a reassembled chunk (spec §4.1's acceptance table).
func (c *Controller) OnChunk(index uint32, body []byte) error {
	if c.state != Downloading {
		return nil
	}
	switch {
	case index == c.nextChunkIndex:
		return c.acceptInOrder(body)
	case index > c.nextChunkIndex:
		c.bufferReorder(index, body)
		return nil
	default:
		return nil // replay-safe no-op: already committed
	}
}

func (c *Controller) acceptInOrder(body []byte) error {
	if len(body) == 0 {
		if c.sizeKnown && c.receivedBytes == c.size {
			return c.finalizeDownload()
		}
		c.fail(ErrEmptyChunkPremature)
		return ErrEmptyChunkPremature
	}

	if err := c.commit(body); err != nil {
		return err
	}
	if c.state != Downloading {
		return nil // commit failed and already transitioned to Failed
	}
	if c.sizeKnown && c.receivedBytes == c.size {
		return c.finalizeDownload()
	}

	c.drainReorder()
	if c.state != Downloading {
		return nil
	}
	c.requestChunk(c.nextChunkIndex)
	return nil
}

// commit feeds body to the digest and flash writer in the same step
// (spec §9: never feed chunks that fail to write).
func (c *Controller) commit(body []byte) error {
	var err error
	c.withPause(func() error {
		e := c.writer.Append(body)
		if e != nil {
			err = errors.Join(ErrAppendFailed, e)
			return err
		}
		return nil
	})
	if c.state == Failed {
		return ErrAppendFailed
	}

	c.digest.Write(body)
	c.receivedBytes += uint32(len(body))
	c.nextChunkIndex++
	c.lastChunkTick = c.now()

	if c.logger != nil {
		if c.sizeKnown && c.size > 0 {
			c.logger.Info("ota:chunk-committed", slog.Uint64("index", uint64(c.nextChunkIndex-1)), slog.Float64("percent", c.progressPercent()))
		} else {
			c.logger.Info("ota:chunk-committed", slog.Uint64("index", uint64(c.nextChunkIndex-1)))
		}
	}
	return nil
}

// drainReorder commits any chunks already buffered ahead of
// nextChunkIndex that are now contiguous (spec §4.1).
func (c *Controller) drainReorder() {
	for len(c.reorder) > 0 && c.reorder[0].index == c.nextChunkIndex {
		entry := c.reorder[0]
		c.reorder = c.reorder[1:]

		if len(entry.body) == 0 {
			if c.sizeKnown && c.receivedBytes == c.size {
				c.finalizeDownload()
			} else {
				c.fail(ErrEmptyChunkPremature)
			}
			return
		}

		if err := c.commit(entry.body); err != nil {
			return
		}
		if c.sizeKnown && c.receivedBytes == c.size {
			c.finalizeDownload()
			return
		}
	}
}

// bufferReorder inserts (index, body) into the bounded, index-sorted
// reorder buffer (spec §3, §9: bounded to avoid unbounded growth from
// far-future chunks).
func (c *Controller) bufferReorder(index uint32, body []byte) {
	for i, e := range c.reorder {
		if e.index == index {
			c.reorder[i].body = body
			return
		}
		if e.index > index {
			if len(c.reorder) >= c.cfg.ReorderBufferCap {
				if c.logger != nil {
					c.logger.Warn("ota:reorder-buffer-full", slog.Uint64("dropped_index", uint64(index)))
				}
				return
			}
			c.reorder = append(c.reorder, reorderEntry{})
			copy(c.reorder[i+1:], c.reorder[i:])
			c.reorder[i] = reorderEntry{index: index, body: body}
			return
		}
	}
	if len(c.reorder) >= c.cfg.ReorderBufferCap {
		if c.logger != nil {
			c.logger.Warn("ota:reorder-buffer-full", "dropped_index", index)
		}
		return
	}
	c.reorder = append(c.reorder, reorderEntry{index: index, body: body})
}

// finalizeDownload ends the flash write and proceeds to verification (spec §4.1).
func (c *Controller) finalizeDownload() error {
	var err error
	c.withPause(func() error {
		e := c.writer.End()
		if e != nil {
			err = errors.Join(ErrEndWriteFailed, e)
			return err
		}
		return nil
	})
	if c.state == Failed {
		return ErrEndWriteFailed
	}

	c.state = Downloaded
	c.emitTransition()
	return c.verify()
}

// verify computes and checks the digest (spec §4.1 step 2).
func (c *Controller) verify() error {
	c.state = Verifying
	c.emitTransition()

	sum := hexEncode(c.digest.Sum(nil))
	if !strings.EqualFold(sum, c.checksum) {
		c.fail(ErrChecksumMismatch)
		return ErrChecksumMismatch
	}
	return c.update()
}

// update sets the boot slot, adopts the new image identity, and
// requests reboot (spec §4.1 steps 3-4).
func (c *Controller) update() error {
	var err error
	c.withPause(func() error {
		e := c.flash.SetBoot(c.slotHandle)
		if e != nil {
			err = errors.Join(ErrSetBootFailed, e)
			return err
		}
		return nil
	})
	if c.state == Failed {
		return ErrSetBootFailed
	}

	c.state = Updating
	c.emitTransition()

	c.currentTitle = c.adv.title
	c.currentVersion = c.adv.version

	c.state = Updated
	c.emitTransition()

	c.releaseSession()
	c.flash.Reboot() // does not return on success
	return nil
}

// fail transitions to Failed(reason), releases session resources, and
// emits the FAILED telemetry (spec §7's propagation policy).
func (c *Controller) fail(reason error) {
	c.state = Failed
	c.failReason = reason.Error()
	c.releaseSession()
	c.emitTransition()
}

// releaseSession drops the slot writer, digest, and reorder buffer
// (spec §5's resource discipline).
func (c *Controller) releaseSession() {
	c.writer = nil
	c.digest = nil
	c.reorder = c.reorder[:0]
}

// OnTick drives the heartbeat telemetry and the chunk-timeout
// watchdog while Downloading, and the idle attribute-refresh cadence
// while Idle (spec §4.3, §4.4, SPEC_FULL §12).
func (c *Controller) OnTick(now time.Time) {
	switch c.state {
	case Downloading:
		if now.Sub(c.lastHeartbeatEmit) >= c.cfg.DownloadingTelemetryInterval {
			c.lastHeartbeatEmit = now
			c.emitHeartbeat()
		}
		if now.Sub(c.lastChunkTick) > c.cfg.ChunkTimeout {
			c.lastChunkTick = now
			c.requestChunk(c.nextChunkIndex)
		}
	case Idle:
		if !now.Before(c.idleRefreshAt) {
			c.idleRefreshAt = now.Add(c.cfg.IdleAttributeRefreshInterval)
			c.RequestFirmwareInfo()
		}
	}
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xf]
	}
	return string(out)
}
