package fwupdate

import (
	"openenterprise/weatherstation/transport"
)

// maxAssemblerBuffers bounds how many distinct topics the assembler
// reassembles concurrently. In practice at most two logical messages
// are ever in flight (one attribute response, one chunk response);
// this cap exists only to keep a misbehaving broker from growing the
// buffer set without limit.
const maxAssemblerBuffers = 4

// Assembler reassembles inbound messages the transport may deliver as
// multiple fragments sharing one topic, each carrying its offset and
// the message's total length (spec §4.2), and routes completed
// messages to the OTA Controller.
type Assembler struct {
	ctrl    *Controller
	buffers map[string]*fragmentBuffer
	order   []string // insertion order, for bounding buffers above
}

type fragmentBuffer struct {
	data  []byte
	total uint32
}

// NewAssembler returns an Assembler that dispatches reassembled
// messages to ctrl.
func NewAssembler(ctrl *Controller) *Assembler {
	return &Assembler{
		ctrl:    ctrl,
		buffers: make(map[string]*fragmentBuffer),
	}
}

// HandleFragment implements transport.FragmentHandler. It must be
// registered as the transport's inbound message callback.
func (a *Assembler) HandleFragment(topic string, offset, length, totalLength uint32, body []byte) error {
	buf := a.bufferFor(topic)

	if offset == 0 {
		buf.data = buf.data[:0]
		buf.total = totalLength
	}
	buf.data = append(buf.data, body...)

	if offset+length < totalLength {
		return nil // more fragments still expected
	}

	full := buf.data
	delete(a.buffers, topic)
	a.forgetOrder(topic)

	return a.route(topic, full)
}

func (a *Assembler) bufferFor(topic string) *fragmentBuffer {
	if buf, ok := a.buffers[topic]; ok {
		return buf
	}
	if len(a.order) >= maxAssemblerBuffers {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.buffers, oldest)
	}
	buf := &fragmentBuffer{}
	a.buffers[topic] = buf
	a.order = append(a.order, topic)
	return buf
}

func (a *Assembler) forgetOrder(topic string) {
	for i, t := range a.order {
		if t == topic {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

func (a *Assembler) route(topic string, body []byte) error {
	switch {
	case transport.IsAttributeResponseTopic(topic):
		return a.ctrl.OnAttributes(body)

	default:
		sid, idx, ok := transport.ParseChunkResponseTopic(topic)
		if !ok {
			// Protocol error: unparseable topic. Logged and discarded, not fatal.
			a.ctrl.logProtocolError("unrouted topic", topic)
			return nil
		}
		if sid != a.ctrl.fwSessionID {
			// Stale/unknown session id: silently ignored, not fatal (spec §7).
			return nil
		}
		a.ctrl.touchChunkTick()
		return a.ctrl.OnChunk(idx, body)
	}
}
