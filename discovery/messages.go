// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

// discoveryParams is the decoded shape of a discovery.register or
// discovery.announce envelope's Params block. Built and read through
// the plain map[string]any wire.Envelope carries, since discovery
// messages are the only ones the mesh package needs to interpret
// structurally.
type discoveryParams struct {
	Identity      string
	Address       string
	Port          int
	Publications  []string
	Subscriptions []string
}

func buildParams(p discoveryParams) map[string]any {
	params := map[string]any{
		"identity":      p.Identity,
		"publications":  p.Publications,
		"subscriptions": p.Subscriptions,
	}
	if p.Address != "" {
		params["address"] = p.Address
	}
	if p.Port != 0 {
		params["port"] = p.Port
	}
	return params
}

func parseParams(raw map[string]any) discoveryParams {
	return discoveryParams{
		Identity:      stringField(raw, "identity"),
		Address:       stringField(raw, "address"),
		Port:          intField(raw, "port"),
		Publications:  stringSliceField(raw, "publications"),
		Subscriptions: stringSliceField(raw, "subscriptions"),
	}
}

func stringField(raw map[string]any, key string) string {
	v, _ := raw[key].(string)
	return v
}

func intField(raw map[string]any, key string) int {
	switch v := raw[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// stringSliceField tolerates both []string (set directly in-process,
// e.g. for the loopback endpoint) and []any (the shape CBOR produces
// when decoding into a map[string]any-typed field).
func stringSliceField(raw map[string]any, key string) []string {
	switch v := raw[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
