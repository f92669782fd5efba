package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/deposit/lib/schema"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"
)

// PatchKind selects what a PatchOp does
type PatchKind string

const (
	OpPut    PatchKind = "put"    // Put Record
	OpDelete PatchKind = "delete" // Delete Key
	OpClear  PatchKind = "clear"  // Clear the table
	OpMerge  PatchKind = "merge"  // Apply the merge patch Merge to the record under Key
)

// PatchOp is one operation of a Patch call
type PatchOp struct {
	Op     PatchKind       `json:"op"`
	Key    any             `json:"key,omitempty"`
	Record schema.Record   `json:"record,omitempty"`
	Merge  json.RawMessage `json:"merge,omitempty"` // RFC 7386 merge patch
	TTL    time.Duration   `json:"ttl,omitempty"`
}

func (op PatchOp) validate() error {
	switch op.Op {
	case OpPut:
		if op.Record == nil {
			return fmt.Errorf("put without record")
		}
	case OpDelete:
		if op.Key == nil {
			return fmt.Errorf("delete without key")
		}
	case OpClear:
	case OpMerge:
		if op.Key == nil {
			return fmt.Errorf("merge without key")
		}
		var patch map[string]any
		if err := json.Unmarshal(op.Merge, &patch); err != nil || patch == nil {
			return fmt.Errorf("merge patch must be a JSON object")
		}
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
	return nil
}

// Patch applies ops to table concurrently. Ops on the same key are not ordered,
// a clear may run before or after any other op.
//
// Invalid ops are skipped and reported in the returned (joined) error together
// with ops that failed while running; the valid ones are applied regardless.
func (d *Deposit) Patch(ctx context.Context, table string, ops []PatchOp) error {
	var errs []error

	p := pool.New().WithErrors()
	if d.patchConcurrency > 0 {
		p = p.WithMaxGoroutines(d.patchConcurrency)
	}

	for i, op := range ops {
		if err := op.validate(); err != nil {
			errs = append(errs, fmt.Errorf("patch op %d: %w", i, err))
			continue
		}
		p.Go(func() error {
			if err := d.apply(ctx, table, op); err != nil {
				return fmt.Errorf("patch op %d (%s): %w", i, op.Op, err)
			}
			return nil
		})
	}

	errs = append(errs, p.Wait())
	return errors.Join(errs...)
}

func (d *Deposit) apply(ctx context.Context, table string, op PatchOp) error {
	switch op.Op {
	case OpPut:
		d.adapter.Put(ctx, table, op.Record, op.TTL)
	case OpDelete:
		d.adapter.Delete(ctx, table, op.Key)
	case OpClear:
		d.adapter.Clear(ctx, table)
	case OpMerge:
		rec, err := d.merge(ctx, table, op.Key, op.Merge)
		if err != nil {
			return err
		}
		d.adapter.Put(ctx, table, rec, op.TTL)
	}
	return nil
}

// merge applies patch to the record stored under key (or an empty one).
// The key field is set to key unless the patch changes it.
func (d *Deposit) merge(ctx context.Context, table string, key any, patch []byte) (schema.Record, error) {
	cur := d.adapter.Get(ctx, table, key, schema.Record{})
	doc, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("encode current record: %w", err)
	}
	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return nil, fmt.Errorf("apply merge patch: %w", err)
	}

	var rec schema.Record
	if err := json.Unmarshal(merged, &rec); err != nil {
		return nil, fmt.Errorf("decode merged record: %w", err)
	}
	if t, err := d.schema.Lookup(table); err == nil {
		if _, ok := rec[t.KeyField]; !ok {
			rec[t.KeyField] = key
		}
	}
	return rec, nil
}
