// Package stream interprets decoded protocol frames: control frames update
// the live connection configuration, data frames are reassembled into
// application payloads. Nothing here performs I/O.
package stream

import (
	"encoding/json"
	"log/slog"

	"larkstream/internal/domain"
)

// ConfigSink receives server-pushed connection configuration.
type ConfigSink interface {
	ApplyClientConfig(cfg domain.ClientConfig)
}

// Delivery is one fully reassembled application message.
type Delivery struct {
	MessageID string
	TraceID   string
	Service   int32
	Type      string
	Payload   []byte

	// Envelope fields, empty when the payload is not a recognizable
	// event envelope.
	EventID   string
	EventKind string

	// Frame is the frame that completed the message. Its headers are
	// echoed back in the acknowledgement.
	Frame *domain.Frame
}

// envelope is the subset of the application event envelope used for
// observability.
type envelope struct {
	Schema string `json:"schema"`
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	} `json:"header"`
	// Older envelopes carry the id and kind at the top level.
	UUID  string `json:"uuid"`
	Event struct {
		Type string `json:"type"`
	} `json:"event"`
}

// Handler classifies frames and drives the Reassembler.
type Handler struct {
	reassembler *Reassembler
	config      ConfigSink
	logger      *slog.Logger
}

// NewHandler creates a frame handler. config may be nil.
func NewHandler(reassembler *Reassembler, config ConfigSink, logger *slog.Logger) *Handler {
	return &Handler{
		reassembler: reassembler,
		config:      config,
		logger:      logger,
	}
}

// Reset discards all partially received messages.
func (h *Handler) Reset() { h.reassembler.Reset() }

// Handle interprets one decoded frame. It returns a Delivery once a data
// message is complete, and (nil, nil) when the frame produced no event.
// A non-nil error means the frame was malformed and has been discarded; it
// is always local and the caller should carry on with the next frame.
// Handle never panics on any frame content.
func (h *Handler) Handle(f *domain.Frame) (*Delivery, error) {
	if f == nil {
		return nil, domain.NewDomainError("Handler.Handle", domain.ErrInvalidFrame, "nil frame")
	}
	switch f.Method {
	case domain.MethodControl:
		return nil, h.handleControl(f)
	case domain.MethodData:
		return h.handleData(f)
	default:
		h.logger.Debug("ignoring frame with unknown method", "method", f.Method.String())
		return nil, nil
	}
}

func (h *Handler) handleControl(f *domain.Frame) error {
	typ, ok := f.Type()
	if !ok {
		return domain.NewDomainError("Handler.Control", domain.ErrMissingHeader, domain.HeaderType)
	}
	switch typ {
	case domain.TypePong:
		if len(f.Payload) == 0 {
			return nil
		}
		var cfg domain.ClientConfig
		if err := json.Unmarshal(f.Payload, &cfg); err != nil {
			h.logger.Warn("discarding pong with unparseable config", "error", err)
			return nil
		}
		if h.config != nil {
			h.config.ApplyClientConfig(cfg)
		}
		h.logger.Debug("pong received", "config", cfg)
	default:
		h.logger.Debug("ignoring control frame", "type", typ)
	}
	return nil
}

func (h *Handler) handleData(f *domain.Frame) (*Delivery, error) {
	const op = "Handler.Data"

	typ, ok := f.Type()
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrMissingHeader, domain.HeaderType)
	}
	switch typ {
	case domain.TypeEvent, domain.TypeData, domain.TypeCard:
	default:
		return nil, domain.NewDomainError(op, domain.ErrBadHeader, "type="+typ)
	}

	msgID, ok := f.Headers.Get(domain.HeaderMessageID)
	if !ok || msgID == "" {
		return nil, domain.NewDomainError(op, domain.ErrMissingHeader, domain.HeaderMessageID)
	}

	sum := 1
	if _, present := f.Headers.Get(domain.HeaderSum); present {
		if sum, ok = f.Headers.GetInt(domain.HeaderSum); !ok || sum == 0 || sum > MaxFragments {
			return nil, domain.NewDomainError(op, domain.ErrBadHeader, domain.HeaderSum)
		}
	}
	seq := 0
	if _, present := f.Headers.Get(domain.HeaderSeq); present {
		if seq, ok = f.Headers.GetInt(domain.HeaderSeq); !ok {
			return nil, domain.NewDomainError(op, domain.ErrBadHeader, domain.HeaderSeq)
		}
	}
	if seq >= sum {
		return nil, domain.NewDomainError(op, domain.ErrBadHeader, "seq out of range")
	}

	if f.Payload == nil {
		return nil, domain.NewDomainError(op, domain.ErrEmptyPayload, msgID)
	}

	traceID, _ := f.Headers.Get(domain.HeaderTraceID)
	payload, done := h.reassembler.Add(Fragment{
		MessageID: msgID,
		TraceID:   traceID,
		Service:   f.Service,
		Sum:       sum,
		Seq:       seq,
		Payload:   f.Payload,
	})
	if !done {
		return nil, nil
	}

	d := &Delivery{
		MessageID: msgID,
		TraceID:   traceID,
		Service:   f.Service,
		Type:      typ,
		Payload:   payload,
		Frame:     f,
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil {
		d.EventID, d.EventKind = env.Header.EventID, env.Header.EventType
		if d.EventID == "" {
			d.EventID = env.UUID
		}
		if d.EventKind == "" {
			d.EventKind = env.Event.Type
		}
	}
	return d, nil
}
