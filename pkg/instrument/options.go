package instrument

import (
	"fmt"
	"strconv"
	"strings"
)

// Options carries the free-form per-role settings from the configuration
// file. Values arrive as whatever the YAML decoder produced.
type Options map[string]any

// Has reports whether key is present.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// Float returns key as a float64, or def when absent or not numeric.
func (o Options) Float(key string, def float64) float64 {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err == nil {
			return f
		}
	}
	return def
}

// FirstFloat returns the first present key among keys.
func (o Options) FirstFloat(def float64, keys ...string) float64 {
	for _, k := range keys {
		if o.Has(k) {
			return o.Float(k, def)
		}
	}
	return def
}

// Int returns key as an int. Strings accept a 0x prefix.
func (o Options) Int(key string, def int) int {
	v, ok := o[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 0, 64)
		if err == nil {
			return int(i)
		}
	}
	return def
}

// String returns key as a string.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// USBID parses a vendor or product ID given as an integer or a "0x..." string.
func (o Options) USBID(key string, def uint16) (uint16, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		if n < 0 || n > 0xFFFF {
			return 0, fmt.Errorf("%s out of range: %d", key, n)
		}
		return uint16(n), nil
	case string:
		u, err := strconv.ParseUint(strings.TrimSpace(n), 0, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, n, err)
		}
		return uint16(u), nil
	}
	return 0, fmt.Errorf("invalid %s type %T", key, v)
}

// Merge returns a copy of o with extra applied on top.
func (o Options) Merge(extra Options) Options {
	out := make(Options, len(o)+len(extra))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
