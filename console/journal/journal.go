package journal

import (
	"context"
	"time"

	"github.com/itskum47/fleetconsole/console/store"
)

// Entry is one recorded lifecycle transition or batch outcome.
type Entry struct {
	Kind      store.Kind `json:"kind"`
	Key       string     `json:"key"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to"`
	Source    string     `json:"source"` // event, rest, local, batch
	Detail    string     `json:"detail,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Journal is an append-only transition log. It is an audit trail only;
// nothing reads it back into the store.
type Journal interface {
	Append(ctx context.Context, e Entry) error
	History(ctx context.Context, kind store.Kind, key string) ([]Entry, error)
	Close() error
}
