// Package pbframe encodes and decodes protocol frames in their protobuf wire
// form. It is pure and does no I/O.
//
// Message layout (proto2):
//
//	message Header {
//	  required string key   = 1;
//	  required string value = 2;
//	}
//	message Frame {
//	  required uint64 SeqID            = 1;
//	  required uint64 LogID            = 2;
//	  required int32  service          = 3;
//	  required int32  method           = 4;
//	  repeated Header headers          = 5;
//	  optional string payload_encoding = 6;
//	  optional string payload_type     = 7;
//	  optional bytes  payload          = 8;
//	  optional string LogIDNew         = 9;
//	}
package pbframe

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"larkstream/internal/domain"
)

const (
	fieldSeqID           protowire.Number = 1
	fieldLogID           protowire.Number = 2
	fieldService         protowire.Number = 3
	fieldMethod          protowire.Number = 4
	fieldHeaders         protowire.Number = 5
	fieldPayloadEncoding protowire.Number = 6
	fieldPayloadType     protowire.Number = 7
	fieldPayload         protowire.Number = 8
	fieldLogIDNew        protowire.Number = 9

	fieldHeaderKey   protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// Encode serialises f.
func Encode(f *domain.Frame) []byte {
	b := make([]byte, 0, 64+len(f.Payload))

	b = protowire.AppendTag(b, fieldSeqID, protowire.VarintType)
	b = protowire.AppendVarint(b, f.SeqID)
	b = protowire.AppendTag(b, fieldLogID, protowire.VarintType)
	b = protowire.AppendVarint(b, f.LogID)
	// int32 fields are sign-extended to 64 bits on the wire.
	b = protowire.AppendTag(b, fieldService, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(f.Service)))
	b = protowire.AppendTag(b, fieldMethod, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(f.Method)))

	for _, h := range f.Headers {
		b = protowire.AppendTag(b, fieldHeaders, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeHeader(h))
	}

	if f.PayloadEncoding != "" {
		b = protowire.AppendTag(b, fieldPayloadEncoding, protowire.BytesType)
		b = protowire.AppendString(b, f.PayloadEncoding)
	}
	if f.PayloadType != "" {
		b = protowire.AppendTag(b, fieldPayloadType, protowire.BytesType)
		b = protowire.AppendString(b, f.PayloadType)
	}
	if f.Payload != nil {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.LogIDNew != "" {
		b = protowire.AppendTag(b, fieldLogIDNew, protowire.BytesType)
		b = protowire.AppendString(b, f.LogIDNew)
	}
	return b
}

func encodeHeader(h domain.Header) []byte {
	b := make([]byte, 0, len(h.Key)+len(h.Value)+4)
	b = protowire.AppendTag(b, fieldHeaderKey, protowire.BytesType)
	b = protowire.AppendString(b, h.Key)
	b = protowire.AppendTag(b, fieldHeaderValue, protowire.BytesType)
	b = protowire.AppendString(b, h.Value)
	return b
}

// Decode parses one frame. Unknown fields are skipped. Any malformed input
// yields an error wrapping domain.ErrInvalidFrame. The returned payload does
// not alias data.
func Decode(data []byte) (*domain.Frame, error) {
	f := &domain.Frame{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, invalid("tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldSeqID, fieldLogID, fieldService, fieldMethod:
			if typ != protowire.VarintType {
				return nil, invalid(fmt.Sprintf("field %d", num), fmt.Errorf("wire type %d", typ))
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, invalid(fmt.Sprintf("field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldSeqID:
				f.SeqID = v
			case fieldLogID:
				f.LogID = v
			case fieldService:
				f.Service = int32(v)
			case fieldMethod:
				f.Method = domain.Method(int32(v))
			}

		case fieldHeaders, fieldPayloadEncoding, fieldPayloadType, fieldPayload, fieldLogIDNew:
			if typ != protowire.BytesType {
				return nil, invalid(fmt.Sprintf("field %d", num), fmt.Errorf("wire type %d", typ))
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, invalid(fmt.Sprintf("field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldHeaders:
				h, err := decodeHeader(v)
				if err != nil {
					return nil, err
				}
				f.Headers = append(f.Headers, h)
			case fieldPayloadEncoding:
				f.PayloadEncoding = string(v)
			case fieldPayloadType:
				f.PayloadType = string(v)
			case fieldPayload:
				f.Payload = cloneBytes(v)
			case fieldLogIDNew:
				f.LogIDNew = string(v)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, invalid(fmt.Sprintf("unknown field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

func decodeHeader(data []byte) (domain.Header, error) {
	var h domain.Header
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, invalid("header tag", protowire.ParseError(n))
		}
		b = b[n:]
		if (num == fieldHeaderKey || num == fieldHeaderValue) && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return h, invalid("header value", protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldHeaderKey {
				h.Key = v
			} else {
				h.Value = v
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return h, invalid("header field", protowire.ParseError(n))
		}
		b = b[n:]
	}
	return h, nil
}

// cloneBytes copies v, keeping an empty-but-present payload non-nil.
func cloneBytes(v []byte) []byte {
	if len(v) == 0 {
		return []byte{}
	}
	return bytes.Clone(v)
}

func invalid(where string, err error) error {
	return domain.NewDomainError("pbframe.Decode", domain.ErrInvalidFrame, fmt.Sprintf("%s: %v", where, err))
}
