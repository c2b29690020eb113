package transformer

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"rawgetl/internal/logging"
	"rawgetl/internal/metrics"
	"rawgetl/internal/rawg"
	"rawgetl/internal/resource"

	log "github.com/sirupsen/logrus"
)

// Options configures Transform.
type Options struct {
	// Strict turns a schema column missing from a record into a
	// SchemaMismatchError instead of a null.
	Strict bool

	// NormalizeUnicode applies NFC normalisation to every string value.
	NormalizeUnicode bool
	Logger           log.FieldLogger
}

// SchemaMismatchError reports a destination column whose upstream field is
// absent from a record. Only returned in strict mode.
type SchemaMismatchError struct {
	Resource string
	Column   string
	Source   string
	// Record is the index of the offending record in the input batch.
	Record int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("transform %s: record %d has no field %q for column %s", e.Resource, e.Record, e.Source, e.Column)
}

// Transform maps records onto rows of spec's row type.
//
// Output holds one row per record in input order, minus records without a
// usable primary key (dropped with a warning). Fields outside the schema are
// ignored. Values that do not fit their column's type are logged and stored
// as null. Stamp columns are left empty for the caller.
//
// Transform is pure: the same records always yield the same rows.
func Transform[R any](spec resource.Spec[R], records []rawg.RawRecord, opts Options) ([]R, error) {
	out := make([]R, 0, len(records))
	if len(records) == 0 {
		return out, nil
	}

	logger := logging.OrDiscard(opts.Logger).WithField("resource", spec.Kind)
	sc := spec.Schema()
	kind := string(spec.Kind)

	if missing := missingExpected(spec.Expected, records); len(missing) > 0 {
		logger.WithField("missing", missing).Warn("missing expected upstream fields")
	}

	dropped := 0
	for i, rec := range records {
		var row R
		rv := reflect.ValueOf(&row).Elem()
		keep := true

		for _, c := range sc.Columns {
			if c.Stamp {
				continue
			}
			raw, present := rec[c.Source]
			if !present && opts.Strict {
				return nil, &SchemaMismatchError{Resource: kind, Column: c.Name, Source: c.Source, Record: i}
			}

			v := clean(raw, opts.NormalizeUnicode)
			if v == nil {
				if c.PK {
					logger.WithField("record", i).Warn("dropping record without primary key")
					keep = false
					break
				}
				continue
			}

			if err := assign(rv.Field(c.Field), v); err != nil {
				if c.PK {
					logger.WithError(err).WithField("record", i).Warn("dropping record with invalid primary key")
					keep = false
					break
				}
				logger.WithError(err).WithFields(log.Fields{"record": i, "column": c.Name}).Warn("value does not fit column, storing null")
			}
		}

		if !keep {
			dropped++
			continue
		}
		out = append(out, row)
	}

	metrics.RecordRows(kind, "dropped", dropped)
	return out, nil
}

// assign decodes v into field through its JSON form, which gives every
// supported field type (pointers, int64, json.RawMessage) one conversion path.
func assign(field reflect.Value, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ptr := reflect.New(field.Type())
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return err
	}
	field.Set(ptr.Elem())
	return nil
}

// missingExpected returns expected fields present in no record, sorted.
func missingExpected(expected []string, records []rawg.RawRecord) []string {
	var missing []string
	for _, f := range expected {
		found := false
		for _, rec := range records {
			if _, ok := rec[f]; ok {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}
