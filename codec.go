package srpc

import "encoding/json"

// Codec encodes and decodes wire messages for transports that serialize
// them. In-process channels bypass the codec entirely.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec encodes messages as JSON. Marshalled sentinel structs round-trip
// to their string-keyed map form, which the unmarshal pipeline accepts.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
