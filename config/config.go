// Package config holds compile-time configuration for the weather
// station firmware, following the same embed-a-.text-file convention
// used throughout this codebase: a value lives in its own small file
// next to config.go, is embedded at build time, and is trimmed/parsed
// on each access (nothing is cached). Environment values (broker address, client
// ID, telemetry collector) must be provided; OTA tunables fall back to
// a documented default when their override file is empty.
package config

import (
	_ "embed"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Defaults for OTA tunables (spec §6). These can be overridden by
// placing a non-empty value in the corresponding .text file.
const (
	DefaultChunkSize                     = 4096
	DefaultPipelineDepth                 = 3
	DefaultChunkTimeout                  = 10 * time.Second
	DefaultDownloadingTelemetryInterval  = 5 * time.Second
	DefaultLoopTickDownloading           = 100 * time.Millisecond
	DefaultLoopTickIdle                  = 5 * time.Second
	DefaultReorderBufferCap              = DefaultPipelineDepth * 4
	DefaultIdleAttributeRefreshInterval  = 60 * time.Second
)

// Environment-specific configuration (must be provided via embedded text files).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string

	//go:embed telemetry_collector.text
	telemetryCollector string
)

// Optional overrides for OTA defaults (empty file = use default).
var (
	//go:embed chunk_size.text
	chunkSizeOverride string

	//go:embed chunk_timeout_ms.text
	chunkTimeoutOverride string

	//go:embed downloading_telemetry_interval_ms.text
	downloadingTelemetryIntervalOverride string

	//go:embed reorder_buffer_cap.text
	reorderBufferCapOverride string

	//go:embed pipeline_depth.text
	pipelineDepthOverride string

	//go:embed ntp_server.text
	ntpServerOverride string
)

// BrokerAddr returns the MQTT broker address from broker.text.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(brokerAddr)
	return netip.ParseAddrPort(addr)
}

// ClientID returns the MQTT client ID from clientid.text.
func ClientID() string {
	return strings.TrimSpace(clientID)
}

// TelemetryCollectorAddr returns the OTLP collector address from telemetry_collector.text.
// Format: "host:port" e.g., "192.168.1.100:4318"
func TelemetryCollectorAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(telemetryCollector)
	return netip.ParseAddrPort(addr)
}

// ChunkSize returns the requested firmware chunk size in bytes.
// Returns DefaultChunkSize unless overridden via chunk_size.text.
func ChunkSize() int {
	if v, ok := parsePositiveInt(chunkSizeOverride); ok {
		return v
	}
	return DefaultChunkSize
}

// ChunkTimeout returns how long the watchdog waits for a chunk before re-requesting it.
// Returns DefaultChunkTimeout unless overridden via chunk_timeout_ms.text.
func ChunkTimeout() time.Duration {
	if v, ok := parsePositiveInt(chunkTimeoutOverride); ok {
		return time.Duration(v) * time.Millisecond
	}
	return DefaultChunkTimeout
}

// DownloadingTelemetryInterval returns the minimum spacing between
// DOWNLOADING telemetry emissions. Returns
// DefaultDownloadingTelemetryInterval unless overridden via
// downloading_telemetry_interval_ms.text.
func DownloadingTelemetryInterval() time.Duration {
	if v, ok := parsePositiveInt(downloadingTelemetryIntervalOverride); ok {
		return time.Duration(v) * time.Millisecond
	}
	return DefaultDownloadingTelemetryInterval
}

// ReorderBufferCap returns the maximum number of out-of-order chunks
// buffered during a session. Returns DefaultReorderBufferCap unless
// overridden via reorder_buffer_cap.text.
func ReorderBufferCap() int {
	if v, ok := parsePositiveInt(reorderBufferCapOverride); ok {
		return v
	}
	return DefaultReorderBufferCap
}

// PipelineDepth returns how many distinct chunk indices are requested
// concurrently before the first one commits. Returns
// DefaultPipelineDepth unless overridden via pipeline_depth.text.
func PipelineDepth() int {
	if v, ok := parsePositiveInt(pipelineDepthOverride); ok {
		return v
	}
	return DefaultPipelineDepth
}

// NTPServer returns the preferred NTP server hostname, falling back to
// "pool.ntp.org" if ntp_server.text is empty.
func NTPServer() string {
	s := strings.TrimSpace(ntpServerOverride)
	if s == "" {
		return "pool.ntp.org"
	}
	return s
}

func parsePositiveInt(raw string) (int, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
