// Package transport is the thin contract over the publish/subscribe
// broker client (spec §4.1/§6): publish a payload on a topic,
// subscribe to the three inbound topic filters, and dispatch inbound
// messages — each tagged with the fragment offset/length/total-length
// the underlying client reports — to a FragmentHandler. Connection
// management, reconnection, and wire framing belong to the broker
// client library (github.com/soypat/natiu-mqtt) and are out of scope
// here; this package only shapes that library's surface into the
// narrow contract the OTA core depends on.
package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic prefixes and patterns (spec §6, wire-level, bit-exact).
const (
	TopicAttributeResponsePrefix = "v1/devices/me/attributes/response/"
	TopicAttributeUpdates        = "v1/devices/me/attributes"
	TopicChunkResponsePrefix     = "v2/fw/response/"
	TopicTelemetry               = "v1/devices/me/telemetry"

	// Subscription filters registered at connect time.
	FilterAttributeResponse = "v1/devices/me/attributes/response/+"
	FilterAttributeUpdates  = "v1/devices/me/attributes"
	FilterChunkResponse     = "v2/fw/response/+/chunk/+"
)

// Publisher is the narrow outbound contract the OTA Controller depends
// on; every OTA-related publish uses QoS 1 (spec §5).
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// FragmentHandler receives one reassembled-or-raw message fragment as
// reported by the transport client: offset and totalLength describe
// the fragment's place in the logical message: the caller has not
// necessarily reassembled anything yet. See Assembler.
type FragmentHandler func(topic string, offset, length, totalLength uint32, body []byte) error

// AttributeRequestTopic returns the publish topic for a shared-attribute
// fetch with the given request id.
func AttributeRequestTopic(requestID uint64) string {
	return fmt.Sprintf("v1/devices/me/attributes/request/%d", requestID)
}

// AttributeRequestPayload is the fixed body of an attribute-fetch request.
const AttributeRequestPayload = `{"sharedKeys":"fw_title,fw_version,fw_size,fw_checksum,fw_checksum_algorithm"}`

// ChunkRequestTopic returns the publish topic for requesting chunk
// index of firmware session sessionID.
func ChunkRequestTopic(sessionID uint64, index uint32) string {
	return fmt.Sprintf("v2/fw/request/%d/chunk/%d", sessionID, index)
}

// ChunkRequestPayload is the decimal chunk-size payload published with
// each chunk request.
func ChunkRequestPayload(chunkSize int) []byte {
	return []byte(strconv.Itoa(chunkSize))
}

// ParseChunkResponseTopic extracts the session id and chunk index from
// a "v2/fw/response/<sid>/chunk/<idx>" topic. ok is false if the topic
// doesn't match that shape (a *Protocol* error per spec §7: logged and
// discarded by the caller, never fatal).
func ParseChunkResponseTopic(topic string) (sessionID uint64, index uint32, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicChunkResponsePrefix)
	if !found {
		return 0, 0, false
	}
	parts := strings.SplitN(rest, "/chunk/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	sid, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	idx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return sid, uint32(idx), true
}

// IsAttributeResponseTopic reports whether topic is a shared-attributes
// RPC response.
func IsAttributeResponseTopic(topic string) bool {
	return strings.HasPrefix(topic, TopicAttributeResponsePrefix)
}
