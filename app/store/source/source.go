// Package source defines the source-of-truth document store the search index is built from.
// The migration only reads it: ids are enumerated in order and fetched by ranges.
package source

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/vdimir/esmigrate/app/reindex/types"
)

// Record is a raw document of the store
type Record struct {
	ID   string
	Data json.RawMessage
}

// Interface of the document store
type Interface interface {
	IDs(ctx context.Context, after string, limit int) ([]string, error) // ordered ids greater than after
	Fetch(ctx context.Context, from, to string) ([]Record, error)      // records with from <= id <= to, ordered
	Close() error
}

// Projector converts record to searchable document, false result skips the record
type Projector func(Record) (doc types.Document, ok bool, err error)

// IdentityProjector keeps listed top-level fields of JSON record, all fields if none listed
func IdentityProjector(fields ...string) Projector {
	return func(r Record) (types.Document, bool, error) {
		src := map[string]interface{}{}
		if err := json.Unmarshal(r.Data, &src); err != nil {
			return types.Document{}, false, errors.Wrapf(err, "can't decode record %s", r.ID)
		}
		if len(fields) == 0 {
			return types.Document{ID: r.ID, Source: src}, true, nil
		}
		res := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			if v, ok := src[f]; ok {
				res[f] = v
			}
		}
		return types.Document{ID: r.ID, Source: res}, true, nil
	}
}
