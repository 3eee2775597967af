package coinqw

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes payloads, results and stored records.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder encodes with the standard library and decodes with sonic.
// Strict rejects unknown object keys on decode.
type JSONEncoder struct {
	Strict bool
}

var strictAPI = sonic.Config{DisallowUnknownFields: true}.Froze()

// Encode serializes v to JSON.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON into v.
func (e *JSONEncoder) Decode(data []byte, v any) error {
	if e.Strict {
		return strictAPI.Unmarshal(data, v)
	}
	return sonic.Unmarshal(data, v)
}

var (
	// defaultEncoder is used for records, repeat entries and results, which
	// may carry fields written by newer versions.
	defaultEncoder Encoder = &JSONEncoder{}
	// payloadEncoder decodes job payloads; a misspelled field is an invalid payload.
	payloadEncoder Encoder = &JSONEncoder{Strict: true}
)
