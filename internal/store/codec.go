package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// encodeValue serializes a property value as JSON. Values that cannot be
// marshalled (channels, funcs, cycles) are stored opaquely as their string
// rendering so a save never fails on an exotic value.
func encodeValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		b, err = json.Marshal(fmt.Sprintf("%v", v))
		if err != nil {
			return "", err
		}
	}
	return string(b), nil
}

// decodeValue deserializes a stored value. Numbers come back as float64 and
// objects as map[string]any; typed readers apply their own widening.
// A row that fails to parse decodes to its raw text rather than being lost.
func decodeValue(valueJSON string) any {
	var v any
	if err := json.Unmarshal([]byte(valueJSON), &v); err != nil {
		return valueJSON
	}
	return v
}

func nowNs() int64 { return time.Now().UnixNano() }
