package wsclient

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/DeskCall/internal/domain"
)

const maxUnwrapDepth = 3

// wrapperKeys are the fields other transports have been seen to nest the
// real message under, in search order.
var wrapperKeys = []string{"payload", "data", "new", "message"}

var ErrNoCallMessage = errors.New("no call message in payload")

// Normalize finds the signaling message inside an inbound payload: either the
// payload itself or an object nested under one of the wrapper keys, possibly
// JSON-encoded as a string. Only an exact call_* type tag matches.
func Normalize(raw json.RawMessage) (json.RawMessage, error) {
	if m, ok := find(raw, 0); ok {
		return m, nil
	}
	return nil, ErrNoCallMessage
}

func find(raw json.RawMessage, depth int) (json.RawMessage, bool) {
	if depth > maxUnwrapDepth || len(raw) == 0 {
		return nil, false
	}
	// a wrapper may carry the message as an encoded string
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		return find(json.RawMessage(s), depth+1)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	if t, ok := obj["type"]; ok {
		var tag string
		if json.Unmarshal(t, &tag) == nil && domain.IsKnownKind(tag) {
			return raw, true
		}
	}
	for _, k := range wrapperKeys {
		if inner, ok := obj[k]; ok {
			if m, ok := find(inner, depth+1); ok {
				return m, true
			}
		}
	}
	return nil, false
}
