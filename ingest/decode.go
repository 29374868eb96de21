package ingest

import (
	"encoding/base64"

	"github.com/pkg/errors"
)

// Delimiter optionally wraps the base64 report
const Delimiter = '~'

// TrimDelimiters removes a single leading and a single trailing Delimiter.
// Additional delimiters are left in place and will fail decoding.
func TrimDelimiters(b []byte) []byte {
	if len(b) > 0 && b[0] == Delimiter {
		b = b[1:]
	}
	if len(b) > 0 && b[len(b)-1] == Delimiter {
		b = b[:len(b)-1]
	}
	return b
}

// Decode decodes standard padded base64. Line breaks are ignored.
func Decode(text []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(out, text)
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	return out[:n], nil
}

// DecodePayload trims the delimiters and decodes the report
func DecodePayload(payload []byte) ([]byte, error) {
	return Decode(TrimDelimiters(payload))
}

// EncodePayload is the inverse of DecodePayload, used by clients
func EncodePayload(report []byte, delimit bool) []byte {
	n := base64.StdEncoding.EncodedLen(len(report))
	if !delimit {
		out := make([]byte, n)
		base64.StdEncoding.Encode(out, report)
		return out
	}
	out := make([]byte, n+2)
	out[0] = Delimiter
	base64.StdEncoding.Encode(out[1:], report)
	out[n+1] = Delimiter
	return out
}
