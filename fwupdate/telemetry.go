package fwupdate

import (
	"log/slog"
	"strconv"
	"strings"

	"openenterprise/weatherstation/transport"
)

// emitTransition publishes the OTA-state telemetry payload for the
// controller's current state (spec §4.3). Transitions always publish,
// regardless of the Downloading heartbeat throttle.
func (c *Controller) emitTransition() {
	c.publishTelemetry(c.buildPayload())
}

// emitHeartbeat publishes a DOWNLOADING progress update; callers are
// responsible for the rate limiting (see OnTick).
func (c *Controller) emitHeartbeat() {
	c.publishTelemetry(c.buildPayload())
}

func (c *Controller) publishTelemetry(payload []byte) {
	if err := c.pub.Publish(transport.TopicTelemetry, payload); err != nil {
		// Transport errors on telemetry sends are logged and swallowed (spec §7).
		if c.logger != nil {
			c.logger.Warn("ota:telemetry-publish-failed", slog.String("err", err.Error()))
		}
	}
}

// buildPayload renders the current state's JSON telemetry body.
func (c *Controller) buildPayload() []byte {
	var b strings.Builder
	b.WriteByte('{')
	b.WriteString(`"fw_state":"`)
	b.WriteString(c.state.String())
	b.WriteByte('"')

	if c.state == Failed {
		b.WriteString(`,"fw_error":"`)
		b.WriteString(jsonEscape(c.failReason))
		b.WriteByte('"')
		b.WriteByte('}')
		return []byte(b.String())
	}

	b.WriteString(`,"current_fw_title":"`)
	b.WriteString(jsonEscape(c.currentTitle))
	b.WriteString(`","current_fw_version":"`)
	b.WriteString(jsonEscape(c.currentVersion))
	b.WriteByte('"')

	if c.state == Downloading {
		b.WriteString(`,"progress":`)
		b.WriteString(strconv.FormatFloat(c.progressPercent(), 'f', 2, 64))
	}

	b.WriteByte('}')
	return []byte(b.String())
}

// progressPercent returns the percentage of the advertised image
// committed so far, or 0 if the size is not yet known.
func (c *Controller) progressPercent() float64 {
	if !c.sizeKnown || c.size == 0 {
		return 0
	}
	return float64(c.receivedBytes) * 100 / float64(c.size)
}

func jsonEscape(s string) string {
	if !strings.ContainsAny(s, `"\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
