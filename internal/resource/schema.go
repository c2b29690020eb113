package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"rawgetl/internal/storage"
)

// Column is one destination column derived from a row struct field.
//
// Tags drive everything:
//
//	json:"<upstream field>"  db:"<column>"  sql:"<semantic type>[,pk|,stamp]"
//
// A stamp column is filled by the pipeline, never from upstream, and carries json:"-".
type Column struct {
	Name   string
	Source string
	Type   string
	PK     bool
	Stamp  bool
	Field  int
}

// Schema is the reflected layout of a row type. Column order is field order.
type Schema struct {
	typ     reflect.Type
	Columns []Column
	pk      int
	stamp   int
}

var (
	rawMessageType = reflect.TypeOf(json.RawMessage(nil))
	timePtrType    = reflect.TypeOf((*time.Time)(nil))

	schemaCache sync.Map // reflect.Type -> *Schema
)

// SchemaOf reflects R once and caches the result.
func SchemaOf[R any]() (*Schema, error) {
	t := reflect.TypeOf((*R)(nil)).Elem()
	if s, ok := schemaCache.Load(t); ok {
		return s.(*Schema), nil
	}
	s, err := buildSchema(t)
	if err != nil {
		return nil, err
	}
	actual, _ := schemaCache.LoadOrStore(t, s)
	return actual.(*Schema), nil
}

func buildSchema(t reflect.Type) (*Schema, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("resource: %s is not a struct", t)
	}
	s := &Schema{typ: t, pk: -1, stamp: -1}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		col := f.Tag.Get("db")
		if col == "" || col == "-" {
			continue
		}
		sqlTag := strings.Split(f.Tag.Get("sql"), ",")
		c := Column{
			Name:   col,
			Source: strings.Split(f.Tag.Get("json"), ",")[0],
			Type:   strings.TrimSpace(sqlTag[0]),
			Field:  i,
		}
		for _, opt := range sqlTag[1:] {
			switch strings.TrimSpace(opt) {
			case "pk":
				c.PK = true
			case "stamp":
				c.Stamp = true
			default:
				return nil, fmt.Errorf("resource: %s.%s: unknown sql option %q", t.Name(), f.Name, opt)
			}
		}
		if _, err := storage.ParseType(c.Type); err != nil {
			return nil, fmt.Errorf("resource: %s.%s: %w", t.Name(), f.Name, err)
		}
		if err := checkFieldType(f.Type, c); err != nil {
			return nil, fmt.Errorf("resource: %s.%s: %w", t.Name(), f.Name, err)
		}

		switch {
		case c.PK:
			if s.pk >= 0 {
				return nil, fmt.Errorf("resource: %s has more than one pk column", t.Name())
			}
			s.pk = len(s.Columns)
		case c.Stamp:
			if s.stamp >= 0 {
				return nil, fmt.Errorf("resource: %s has more than one stamp column", t.Name())
			}
			s.stamp = len(s.Columns)
		case c.Source == "" || c.Source == "-":
			return nil, fmt.Errorf("resource: %s.%s has no upstream field", t.Name(), f.Name)
		}
		s.Columns = append(s.Columns, c)
	}

	if s.pk < 0 {
		return nil, fmt.Errorf("resource: %s has no pk column", t.Name())
	}
	return s, nil
}

func checkFieldType(ft reflect.Type, c Column) error {
	switch {
	case c.PK:
		if ft.Kind() != reflect.Int64 {
			return fmt.Errorf("pk field must be int64, got %s", ft)
		}
	case c.Stamp:
		if ft != timePtrType {
			return fmt.Errorf("stamp field must be *time.Time, got %s", ft)
		}
	case ft == rawMessageType:
	case ft.Kind() == reflect.Pointer:
		switch ft.Elem().Kind() {
		case reflect.String, reflect.Int64, reflect.Float64, reflect.Bool:
		default:
			if ft != timePtrType {
				return fmt.Errorf("unsupported field type %s", ft)
			}
		}
	default:
		return fmt.Errorf("non-key fields must be pointers or json.RawMessage, got %s", ft)
	}
	return nil
}

// PrimaryKey returns the key column.
func (s *Schema) PrimaryKey() Column { return s.Columns[s.pk] }

// StampColumn returns the stamp column, if the row type has one.
func (s *Schema) StampColumn() (Column, bool) {
	if s.stamp < 0 {
		return Column{}, false
	}
	return s.Columns[s.stamp], true
}

// ColumnNames returns the column names in schema order.
func (s *Schema) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// TableSpec renders the schema as a storage table named table. The key
// column moves into PrimaryKey; every other column is nullable.
func (s *Schema) TableSpec(table string) storage.TableSpec {
	t := storage.TableSpec{Name: table}
	for _, c := range s.Columns {
		if c.PK {
			t.PrimaryKey = &storage.PrimaryKeySpec{Name: c.Name, Type: c.Type}
			continue
		}
		t.Columns = append(t.Columns, storage.ColumnSpec{Name: c.Name, Type: c.Type})
	}
	return t
}

// Values flattens row (a struct or pointer to struct of the schema's type)
// into driver values in column order. Nil pointers and empty or null JSON
// become nil; JSON becomes its text form.
func (s *Schema) Values(row any) []any {
	v := reflect.Indirect(reflect.ValueOf(row))
	if v.Type() != s.typ {
		panic(fmt.Sprintf("resource: Values got %s, schema is for %s", v.Type(), s.typ))
	}
	out := make([]any, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = driverValue(v.Field(c.Field))
	}
	return out
}

func driverValue(f reflect.Value) any {
	switch {
	case f.Type() == rawMessageType:
		raw := bytes.TrimSpace(f.Bytes())
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return nil
		}
		return string(raw)
	case f.Kind() == reflect.Pointer:
		if f.IsNil() {
			return nil
		}
		return f.Elem().Interface()
	default:
		return f.Interface()
	}
}

// Stamp sets the stamp column of *row to t (in UTC). It is a no-op for row
// types without a stamp column.
func (s *Schema) Stamp(row any, t time.Time) {
	if s.stamp < 0 {
		return
	}
	v := reflect.ValueOf(row)
	if v.Kind() != reflect.Pointer || v.Elem().Type() != s.typ {
		panic(fmt.Sprintf("resource: Stamp needs *%s, got %T", s.typ, row))
	}
	ts := t.UTC()
	v.Elem().Field(s.Columns[s.stamp].Field).Set(reflect.ValueOf(&ts))
}
