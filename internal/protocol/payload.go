package protocol

import (
	"github.com/vmihailenco/msgpack"
	"github.com/vmihailenco/msgpack/codes"
)

// NilPayload is the reserved single byte nil document. It is distinct from an
// absent (zero length) payload.
var NilPayload = []byte{byte(codes.Nil)}

func IsNilPayload(b []byte) bool {
	return len(b) == 1 && codes.Code(b[0]) == codes.Nil
}

// IsValidPayload probes the leading type tag only. Absent and nil payloads
// are valid; otherwise the document must be a map.
func IsValidPayload(b []byte) bool {
	if len(b) == 0 || IsNilPayload(b) {
		return true
	}
	c := codes.Code(b[0])
	return codes.IsFixedMap(c) || c == codes.Map16 || c == codes.Map32
}

func MarshalValue(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func UnmarshalValue(b []byte, v interface{}) error {
	return msgpack.Unmarshal(b, v)
}
