// Package codec encodes entity and event payloads. Every stored payload is
// paired with a one-byte indicator naming its encoding, so payloads written
// with different encodings can coexist in one table.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	dserrors "github.com/arkilian/devicestore/internal/errors"
)

// Encoding is the persisted indicator byte of a payload encoding.
type Encoding byte

const (
	JSON     Encoding = 0x00
	Protobuf Encoding = 0x01
	Snappy   Encoding = 0x02
)

// String returns the config name of the encoding.
func (e Encoding) String() string {
	switch e {
	case JSON:
		return "json"
	case Protobuf:
		return "protobuf"
	case Snappy:
		return "snappy"
	default:
		return fmt.Sprintf("encoding(0x%02x)", byte(e))
	}
}

// ParseEncoding maps a config name to an encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "json":
		return JSON, nil
	case "protobuf":
		return Protobuf, nil
	case "snappy":
		return Snappy, nil
	default:
		return 0, fmt.Errorf("codec: unknown encoding %q", name)
	}
}

// Registry encodes with one configured encoding and decodes any of them.
type Registry struct {
	write Encoding
}

// NewRegistry returns a registry that writes with enc.
func NewRegistry(enc Encoding) (*Registry, error) {
	if enc > Snappy {
		return nil, unknownEncoding(byte(enc))
	}
	return &Registry{write: enc}, nil
}

// WriteEncoding returns the encoding used for new payloads.
func (r *Registry) WriteEncoding() Encoding {
	return r.write
}

// Encode serializes v and returns the indicator to store alongside it.
func (r *Registry) Encode(v any) (byte, []byte, error) {
	data, err := EncodeAs(r.write, v)
	if err != nil {
		return 0, nil, err
	}
	return byte(r.write), data, nil
}

// Decode deserializes data written with the encoding named by indicator into v.
func (r *Registry) Decode(indicator byte, data []byte, v any) error {
	return DecodeAs(Encoding(indicator), data, v)
}

// EncodeAs serializes v with a specific encoding.
func EncodeAs(enc Encoding, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, dserrors.NewCodecError(dserrors.CodeMalformedPayload, "failed to marshal payload", err)
	}

	switch enc {
	case JSON:
		return raw, nil
	case Snappy:
		return snappy.Encode(nil, raw), nil
	case Protobuf:
		return jsonToProto(raw)
	default:
		return nil, unknownEncoding(byte(enc))
	}
}

// DecodeAs deserializes data with a specific encoding.
func DecodeAs(enc Encoding, data []byte, v any) error {
	var raw []byte
	switch enc {
	case JSON:
		raw = data
	case Snappy:
		var err error
		if raw, err = snappy.Decode(nil, data); err != nil {
			return dserrors.NewCodecError(dserrors.CodeMalformedPayload, "failed to decompress payload", err)
		}
	case Protobuf:
		var err error
		if raw, err = protoToJSON(data); err != nil {
			return err
		}
	default:
		return unknownEncoding(byte(enc))
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return dserrors.NewCodecError(dserrors.CodeMalformedPayload, "failed to unmarshal payload", err)
	}
	return nil
}

// jsonToProto re-encodes a JSON object as a protobuf Struct.
func jsonToProto(raw []byte) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, dserrors.NewCodecError(dserrors.CodeMalformedPayload, "protobuf payloads must be objects", err)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, dserrors.NewCodecError(dserrors.CodeMalformedPayload, "failed to build protobuf struct", err)
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, dserrors.NewCodecError(dserrors.CodeMalformedPayload, "failed to marshal protobuf payload", err)
	}
	return data, nil
}

func protoToJSON(data []byte) ([]byte, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, dserrors.NewCodecError(dserrors.CodeMalformedPayload, "failed to unmarshal protobuf payload", err)
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, dserrors.NewCodecError(dserrors.CodeMalformedPayload, "failed to convert protobuf payload", err)
	}
	return raw, nil
}

func unknownEncoding(indicator byte) error {
	return dserrors.NewCodecError(dserrors.CodeUnknownEncoding,
		fmt.Sprintf("unknown payload encoding 0x%02x", indicator), nil)
}
