package override

import (
	"encoding/json"

	"github.com/ratewarden/ratewarden/internal/cache"
)

// init registers how the "namespace" and "overrides" cache namespaces
// decode off a shared tier, so a value that round-trips through Redis
// comes back as *Namespace/[]Override rather than the
// map[string]interface{}/[]interface{} a bare `any` unmarshal always
// produces. Without this, resolveNamespace/loadOverrides' type
// assertions fail the instant a value has passed through SharedTier,
// which is exactly the cross-node convergence path this cache exists
// to serve.
func init() {
	cache.RegisterValueType("namespace", func(raw json.RawMessage) (any, error) {
		var ns Namespace
		if err := json.Unmarshal(raw, &ns); err != nil {
			return nil, err
		}
		return &ns, nil
	})
	cache.RegisterValueType("overrides", func(raw json.RawMessage) (any, error) {
		var list []Override
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	})
}
