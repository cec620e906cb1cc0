package protocol

import (
	"fmt"
	"strings"

	"github.com/driftsync/driftsync/internal/v1/crdt"
)

// DecodeOperation turns the raw operation body of an OperationMessage into a
// crdt.Operation. The client-supplied timestamp is discarded and replaced
// with the server clock, so clients cannot win LWW conflicts by post-dating
// writes. Snapshot decoding never goes through here; persisted operations
// keep their recorded timestamps.
func DecodeOperation(raw map[string]any) (crdt.Operation, error) {
	id, _ := raw["id"].(string)
	if err := requireID("operation.id", id); err != nil {
		return crdt.Operation{}, err
	}

	origin, _ := raw["node_id"].(string)
	if err := requireID("operation.node_id", origin); err != nil {
		return crdt.Operation{}, err
	}

	kindStr, _ := raw["op_type"].(string)
	kind, err := parseKind(kindStr)
	if err != nil {
		return crdt.Operation{}, err
	}

	path, err := decodePath(raw["path"])
	if err != nil {
		return crdt.Operation{}, err
	}

	return crdt.Operation{
		ID:        id,
		Timestamp: crdt.Now(),
		Origin:    origin,
		Path:      path,
		Kind:      kind,
		Value:     raw["value"],
	}, nil
}

func parseKind(s string) (crdt.Kind, error) {
	switch kind := crdt.Kind(s); kind {
	case crdt.KindSet, crdt.KindDelete, crdt.KindIncrement, crdt.KindDecrement, crdt.KindAdd, crdt.KindRemove:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown op_type %q", s)
	}
}

func decodePath(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("operation.path must be an array of strings")
	}
	path := make([]string, 0, len(items))
	for _, item := range items {
		segment, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("operation.path must be an array of strings")
		}
		path = append(path, segment)
	}
	if err := validatePathSegments(path); err != nil {
		return nil, err
	}
	return path, nil
}

// SplitPath splits a dotted state_update path into segments. An empty path
// yields nil, addressing the document root.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
