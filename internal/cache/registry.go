package cache

import (
	"encoding/json"
	"sync"
)

// ValueDecoder turns a tier's raw JSON back into the concrete Go type
// a namespace's callers expect. Registered once per namespace, the
// same way the pack's pipeline/stages registry maps a stage-type
// string to its executor rather than leaving callers to type-switch
// on a bare interface value.
type ValueDecoder func(raw json.RawMessage) (any, error)

var (
	decoderMu sync.RWMutex
	decoders  = map[string]ValueDecoder{}
)

// RegisterValueType registers decode as the ValueDecoder for every
// cache entry stored under namespace. A caller package (override,
// verification, ...) does this from an init() so a tier that must
// serialize values (SharedTier) can hand back the original concrete
// type instead of the JSON-decoded map[string]interface{}/[]interface{}
// a bare `any` unmarshal always produces. Namespaces with no
// registered decoder fall back to that bare-any behavior, which is
// correct for values callers only ever treat as opaque JSON.
//
// Panics on a duplicate registration: that is a programming error,
// not a runtime condition, caught at process startup via init().
func RegisterValueType(namespace string, decode ValueDecoder) {
	decoderMu.Lock()
	defer decoderMu.Unlock()
	if _, exists := decoders[namespace]; exists {
		panic("cache: value type already registered for namespace " + namespace)
	}
	decoders[namespace] = decode
}

// decodeValue decodes raw using namespace's registered ValueDecoder,
// or into a bare any if none is registered.
func decodeValue(namespace string, raw json.RawMessage) (any, error) {
	decoderMu.RLock()
	decode, ok := decoders[namespace]
	decoderMu.RUnlock()
	if !ok {
		var value any
		err := json.Unmarshal(raw, &value)
		return value, err
	}
	return decode(raw)
}
