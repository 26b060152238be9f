package report

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"
)

// ObjectOption tunes AddObjectAttributes
type ObjectOption func(*objectOptions)

type objectOptions struct {
	prefix       string
	allowPrivate bool
}

// WithPrefix prepends prefix to every flattened key
func WithPrefix(prefix string) ObjectOption {
	return func(o *objectOptions) {
		o.prefix = prefix
	}
}

// AllowPrivate keeps keys that start with an underscore
func AllowPrivate() ObjectOption {
	return func(o *objectOptions) {
		o.allowPrivate = true
	}
}

// AddAttribute sets a single attribute. Only scalars are accepted: strings,
// booleans and finite numbers. Other values are logged and dropped.
func (r *Report) AddAttribute(key string, value any) bool {
	if key == "" {
		r.logger().Warn("attribute key is empty, skipping")
		return false
	}
	v, ok := scalar(reflect.ValueOf(value))
	if !ok {
		r.logger().Warn("attribute value is not a scalar, skipping",
			"key", key,
			"type", fmt.Sprintf("%T", value))
		return false
	}
	r.Attributes[key] = v
	return true
}

// AddObjectAttributes flattens a nested map into dotted attribute keys.
// Scalar leaves are stored; slices and other values are skipped, as are maps
// already visited during this call.
func (r *Report) AddObjectAttributes(obj any, opts ...ObjectOption) {
	var o objectOptions
	for _, opt := range opts {
		opt(&o)
	}
	prefix := o.prefix
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	flatten(r.Attributes, map[uintptr]bool{}, prefix, reflect.ValueOf(obj), o.allowPrivate)
}

// mergeAttributes layers configured attributes, private keys included
func (r *Report) mergeAttributes(attrs map[string]any) {
	if len(attrs) == 0 {
		return
	}
	flatten(r.Attributes, map[uintptr]bool{}, "", reflect.ValueOf(attrs), true)
}

func flatten(dst map[string]any, seen map[uintptr]bool, prefix string, v reflect.Value, allowPrivate bool) {
	v = indirect(v)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String || v.IsNil() {
		return
	}
	if seen[v.Pointer()] {
		return
	}
	seen[v.Pointer()] = true

	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		name := k.String()
		if !allowPrivate && strings.HasPrefix(name, "_") {
			continue
		}
		val := v.MapIndex(k)
		if s, ok := scalar(val); ok {
			dst[prefix+name] = s
			continue
		}
		if inner := indirect(val); inner.Kind() == reflect.Map {
			flatten(dst, seen, prefix+name+".", inner, allowPrivate)
		}
	}
}

// indirect unwraps interfaces and pointers
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// scalar returns the attribute value for v when it is a string, bool or finite number
func scalar(v reflect.Value) (any, bool) {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil, false
	}
	switch v.Kind() {
	case reflect.String:
		return v.String(), true
	case reflect.Bool:
		return v.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint(), true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	}
	return nil, false
}

// AddAnnotation stores a JSON-serializable value under key. The stored value is
// an independent copy obtained by a JSON round trip; values that cannot be
// serialized are logged and dropped.
func (r *Report) AddAnnotation(key string, value any) bool {
	if key == "" {
		r.logger().Warn("annotation key is empty, skipping")
		return false
	}
	data, err := json.Marshal(value)
	if err != nil {
		r.logger().Warn("annotation is not serializable, skipping", "key", key, "error", err)
		return false
	}
	var copied any
	if err := json.Unmarshal(data, &copied); err != nil {
		r.logger().Warn("annotation could not be copied, skipping", "key", key, "error", err)
		return false
	}
	r.Annotations[key] = copied
	return true
}

// Log records a timestamped line that Finalize injects into the "Log" annotation
func (r *Report) Log(args ...any) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	r.logLines = append(r.logLines, LogLine{
		Timestamp: now(),
		Message:   strings.Join(parts, " "),
	})
}

// LogLines returns the lines recorded so far
func (r *Report) LogLines() []LogLine {
	out := make([]LogLine, len(r.logLines))
	copy(out, r.logLines)
	return out
}
