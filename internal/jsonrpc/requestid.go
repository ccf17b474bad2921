package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC correlation identifier: a string or a number on the
// wire. The zero value (and a nil pointer) mean "no ID", i.e. a notification.
type RequestID struct {
	str   string
	num   int64
	isNum bool
	set   bool
}

// NewRequestID builds an ID from a string or integer value.
func NewRequestID(v any) *RequestID {
	switch val := v.(type) {
	case string:
		return &RequestID{str: val, set: true}
	case int:
		return &RequestID{num: int64(val), isNum: true, set: true}
	case int64:
		return &RequestID{num: val, isNum: true, set: true}
	case uint64:
		return &RequestID{num: int64(val), isNum: true, set: true}
	default:
		return &RequestID{}
	}
}

// IsNil reports whether no ID is present.
func (id *RequestID) IsNil() bool { return id == nil || !id.set }

// String renders the ID for use as a map key or log attribute. Numeric and
// string IDs that render identically are treated as distinct by no caller in
// this module; the peer owns ID allocation within its own namespace.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	if id.isNum {
		return json.Marshal(id.num)
	}
	return json.Marshal(id.str)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num int64
	if err := json.Unmarshal(data, &num); err == nil {
		*id = RequestID{num: num, isNum: true, set: true}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*id = RequestID{str: str, set: true}
		return nil
	}
	return fmt.Errorf("JSON-RPC ID must be a string or integer, got: %s", string(data))
}
