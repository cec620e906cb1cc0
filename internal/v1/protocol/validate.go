package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// dangerousKeys are object keys rejected everywhere in client-supplied
// values. They are meaningful to common client runtimes and would let one
// participant poison objects on every other participant's side.
var dangerousKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
	"__class__":   {},
	"__init__":    {},
	"__new__":     {},
	"__dict__":    {},
}

// dangerousPathSegments is the subset checked against operation path
// segments.
var dangerousPathSegments = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
	"__class__":   {},
}

// validateSafeValue rejects values that are too large, too deeply nested, or
// that contain dangerous or underscore-prefixed object keys anywhere in the
// tree. maxSize applies to the serialized size of the whole value; pass 0 to
// skip the size check.
func validateSafeValue(v any, field string, maxSize int) error {
	if maxSize > 0 {
		raw, err := json.Marshal(v)
		if err == nil && len(raw) > maxSize {
			return fmt.Errorf("value too large (%d bytes, max %d) in %s", len(raw), maxSize, field)
		}
	}
	return validateSafeValueDepth(v, field, 0)
}

func validateSafeValueDepth(v any, field string, depth int) error {
	if depth > MaxValueDepth {
		return fmt.Errorf("maximum nesting depth (%d) exceeded in %s", MaxValueDepth, field)
	}
	switch typed := v.(type) {
	case map[string]any:
		for key, val := range typed {
			if _, bad := dangerousKeys[key]; bad {
				return fmt.Errorf("dangerous key %q not allowed in %s", key, field)
			}
			if strings.HasPrefix(key, "_") {
				return fmt.Errorf("keys starting with underscore not allowed in %s", field)
			}
			if err := validateSafeValueDepth(val, field+"."+key, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range typed {
			if err := validateSafeValueDepth(item, fmt.Sprintf("%s[%d]", field, i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// validatePathSegments checks operation path segments. Segments must be
// non-empty, must not collide with dangerous keys and must not contain the
// flattened-path separator.
func validatePathSegments(path []string) error {
	total := 0
	for _, segment := range path {
		if segment == "" {
			return fmt.Errorf("empty path segment not allowed")
		}
		if _, bad := dangerousPathSegments[segment]; bad {
			return fmt.Errorf("dangerous path segment %q not allowed", segment)
		}
		if strings.Contains(segment, ".") {
			return fmt.Errorf("path segment %q must not contain '.'", segment)
		}
		total += len(segment) + 1
	}
	if total > MaxPathLength {
		return fmt.Errorf("path too long (max %d)", MaxPathLength)
	}
	return nil
}

func requireID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	return maxLen(field, value, MaxIDLength)
}

func maxLen(field, value string, max int) error {
	if len(value) > max {
		return fmt.Errorf("%s too long (%d chars, max %d)", field, len(value), max)
	}
	return nil
}
