package store

import (
	"fmt"
	"strconv"
)

// Kind names an entity collection.
type Kind string

const (
	KindNode      Kind = "nodes"
	KindGroup     Kind = "groups"
	KindPlaybook  Kind = "playbooks"
	KindExecution Kind = "executions"
	KindImport    Kind = "imports"
)

// Kinds lists every entity kind in refresh order.
var Kinds = []Kind{KindNode, KindGroup, KindPlaybook, KindExecution, KindImport}

// ParseKind validates a kind name coming from outside the process.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// IDKey is the store key of a numeric entity id.
func IDKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseID reverses IDKey.
func ParseID(key string) (int64, error) {
	return strconv.ParseInt(key, 10, 64)
}

// SnapshotKey constructs the cache key holding the last snapshot of a kind.
// Format: fleetconsole:snapshots:{kind}
func SnapshotKey(kind Kind) string {
	return fmt.Sprintf("fleetconsole:snapshots:%s", kind)
}
