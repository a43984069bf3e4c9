package domain

import (
	"strconv"
)

// Method is the frame kind discriminant carried in Frame.Method.
type Method int32

const (
	MethodControl Method = 0
	MethodData    Method = 1
)

func (m Method) String() string {
	switch m {
	case MethodControl:
		return "control"
	case MethodData:
		return "data"
	default:
		return "unknown(" + strconv.Itoa(int(m)) + ")"
	}
}

// Recognized header keys.
const (
	HeaderType            = "type"
	HeaderMessageID       = "message_id"
	HeaderTraceID         = "trace_id"
	HeaderSum             = "sum"
	HeaderSeq             = "seq"
	HeaderBizRT           = "biz_rt"
	HeaderHandshakeStatus = "handshake-status"
	HeaderHandshakeMsg    = "handshake-msg"
)

// Values of the "type" header.
const (
	TypePing  = "ping"
	TypePong  = "pong"
	TypeEvent = "event"
	TypeData  = "data"
	TypeCard  = "card"
)

// Header is one key/value pair of a frame's header list.
type Header struct {
	Key   string
	Value string
}

// Headers is the ordered header list of a frame. Order carries no meaning;
// lookups are by key and the first match wins. Header counts are small, so
// lookups scan linearly.
type Headers []Header

// Get returns the value of the first header named key.
func (h Headers) Get(key string) (string, bool) {
	for _, kv := range h {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// GetInt parses the header named key as a non-negative decimal integer.
// ok is false when the header is absent or does not parse.
func (h Headers) GetInt(key string) (int, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 31)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// GetUint64 parses the header named key as an unsigned decimal integer.
func (h Headers) GetUint64(key string) (uint64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Set replaces the first header named key, or appends it.
func (h *Headers) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Key: key, Value: value})
}

// Add appends a header without checking for duplicates.
func (h *Headers) Add(key, value string) {
	*h = append(*h, Header{Key: key, Value: value})
}

// Clone returns a copy that shares no backing array with h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Frame is the atomic unit of the binary protocol, carried as the payload of
// one WebSocket binary message.
type Frame struct {
	SeqID           uint64
	LogID           uint64
	Service         int32
	Method          Method
	Headers         Headers
	PayloadEncoding string
	PayloadType     string
	Payload         []byte // nil when absent
	LogIDNew        string
}

// Type returns the frame's "type" header.
func (f *Frame) Type() (string, bool) { return f.Headers.Get(HeaderType) }

// NewPingFrame builds the control frame sent by the keepalive loop.
func NewPingFrame(serviceID int32, payload []byte) *Frame {
	return &Frame{
		Service: serviceID,
		Method:  MethodControl,
		Headers: Headers{{Key: HeaderType, Value: TypePing}},
		Payload: payload,
	}
}
