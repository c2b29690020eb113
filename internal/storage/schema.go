// TableSpec lives in storage so both the resource catalog and the backend
// packages can import it without a cycle.

package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// TableSpec describes one destination table.
//
// The primary key is kept apart from Columns and is always rendered first.
// Column types are semantic ("integer", "numeric(3,2)", "json"); each backend
// maps them to its dialect through ParseType.
type TableSpec struct {
	Name       string          `json:"name"`
	PrimaryKey *PrimaryKeySpec `json:"primary_key,omitempty"`
	Columns    []ColumnSpec    `json:"columns"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable *bool  `json:"nullable,omitempty"`
}

// IsNullable reports whether the column accepts NULL. A nil Nullable means
// nullable: upstream fields may be missing from any record.
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable == nil || *c.Nullable
}

// ColumnNames returns the primary key followed by every column, in table order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns)+1)
	if t.PrimaryKey != nil {
		out = append(out, t.PrimaryKey.Name)
	}
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// Validate checks the table is usable for DDL and upserts.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if t.PrimaryKey == nil || strings.TrimSpace(t.PrimaryKey.Name) == "" {
		return fmt.Errorf("table %s: primary key is required", t.Name)
	}
	if _, err := ParseType(t.PrimaryKey.Type); err != nil {
		return fmt.Errorf("table %s: primary key %s: %w", t.Name, t.PrimaryKey.Name, err)
	}
	seen := map[string]bool{strings.ToLower(t.PrimaryKey.Name): true}
	for _, c := range t.Columns {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			return fmt.Errorf("table %s: column name is empty", t.Name)
		}
		if seen[name] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[name] = true
		if _, err := ParseType(c.Type); err != nil {
			return fmt.Errorf("table %s: column %s: %w", t.Name, c.Name, err)
		}
	}
	return nil
}

// TypeKind is a backend-neutral column type.
type TypeKind int

const (
	TypeInteger TypeKind = iota + 1
	TypeBigInt
	TypeText
	TypeDate
	TypeBoolean
	TypeNumeric
	TypeFloat
	TypeTimestamp
	TypeJSON
)

// Type is a parsed semantic column type. Precision and Scale are set for
// numeric only.
type Type struct {
	Kind      TypeKind
	Precision int
	Scale     int
}

// ParseType parses a semantic type such as "integer", "text" or "numeric(5,2)".
func ParseType(s string) (Type, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	switch raw {
	case "integer", "int":
		return Type{Kind: TypeInteger}, nil
	case "bigint":
		return Type{Kind: TypeBigInt}, nil
	case "text", "string":
		return Type{Kind: TypeText}, nil
	case "date":
		return Type{Kind: TypeDate}, nil
	case "boolean", "bool":
		return Type{Kind: TypeBoolean}, nil
	case "float", "double":
		return Type{Kind: TypeFloat}, nil
	case "timestamp":
		return Type{Kind: TypeTimestamp}, nil
	case "json":
		return Type{Kind: TypeJSON}, nil
	}

	if strings.HasPrefix(raw, "numeric(") && strings.HasSuffix(raw, ")") {
		inner := strings.TrimSuffix(strings.TrimPrefix(raw, "numeric("), ")")
		parts := strings.Split(inner, ",")
		if len(parts) != 2 {
			return Type{}, fmt.Errorf("invalid numeric type %q", s)
		}
		p, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		sc, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil || p <= 0 || sc < 0 || sc > p {
			return Type{}, fmt.Errorf("invalid numeric type %q", s)
		}
		return Type{Kind: TypeNumeric, Precision: p, Scale: sc}, nil
	}
	if raw == "numeric" {
		return Type{Kind: TypeNumeric, Precision: 18, Scale: 6}, nil
	}
	return Type{}, fmt.Errorf("unsupported column type %q", s)
}
