package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/itskum47/fleetconsole/console/store"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	// ErrStale means a snapshot with an equal or newer generation is already stored.
	ErrStale = errors.New("newer snapshot already cached")
)

// Snapshot is one kind's records as last fetched from the server.
// Generation orders snapshots; the cache never replaces a newer one.
type Snapshot struct {
	Kind       store.Kind
	Generation int64
	Records    []store.Record
}

// SnapshotCache persists REST snapshots so a restarted console can render
// the last known state before the first refresh completes.
type SnapshotCache interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, kind store.Kind) (Snapshot, error)
	Close() error
}

type marshalFunc func(v any) ([]byte, error)
type unmarshalFunc func(data []byte, v any) error

// encodeRecords marshals records as the concrete slice type of kind.
func encodeRecords(kind store.Kind, records []store.Record, marshal marshalFunc) ([]byte, error) {
	switch kind {
	case store.KindNode:
		return marshal(typed[store.Node](records))
	case store.KindGroup:
		return marshal(typed[store.Group](records))
	case store.KindPlaybook:
		return marshal(typed[store.Playbook](records))
	case store.KindExecution:
		return marshal(typed[store.Execution](records))
	case store.KindImport:
		return marshal(typed[store.Import](records))
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func decodeRecords(kind store.Kind, data []byte, unmarshal unmarshalFunc) ([]store.Record, error) {
	switch kind {
	case store.KindNode:
		return untyped[store.Node](data, unmarshal)
	case store.KindGroup:
		return untyped[store.Group](data, unmarshal)
	case store.KindPlaybook:
		return untyped[store.Playbook](data, unmarshal)
	case store.KindExecution:
		return untyped[store.Execution](data, unmarshal)
	case store.KindImport:
		return untyped[store.Import](data, unmarshal)
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func typed[T store.Record](records []store.Record) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func untyped[T store.Record](data []byte, unmarshal unmarshalFunc) ([]store.Record, error) {
	var items []T
	if err := unmarshal(data, &items); err != nil {
		return nil, err
	}
	out := make([]store.Record, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out, nil
}
