// Package model defines the data model shared by builds, binds and
// manifests: the recursive input value type, build/bind recipes, the
// manifest they live in, and the persisted snapshot/bind-state records.
package model

import (
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/xerrors"
)

// ObjectHash is the stable hex identity of a build or bind. It is always
// the first 24 hex characters of a canonical-serialization digest; see
// package hashutil.
type ObjectHash string

// String implements fmt.Stringer.
func (h ObjectHash) String() string { return string(h) }

// HasPrefix reports whether h begins with prefix. Hash lookups elsewhere in
// the system are always prefix lookups against a known set of hashes.
func (h ObjectHash) HasPrefix(prefix string) bool {
	return len(prefix) <= len(h) && string(h)[:len(prefix)] == prefix
}

// Value is the recursive input type a BuildDef or BindDef carries:
// String | Number | Bool | Array<Value> | Table<string,Value> |
// BuildRef(hash) | BindRef(hash).
//
// Only one of the fields is set at a time; Kind reports which. This shape
// (rather than an interface with many implementers) keeps canonical
// encoding and JSON round-tripping in one place.
type Value struct {
	Kind ValueKind `json:"kind"`

	Str   string           `json:"str,omitempty"`
	Num   float64          `json:"num,omitempty"`
	Bool  bool             `json:"bool,omitempty"`
	Array []Value          `json:"array,omitempty"`
	Table map[string]Value `json:"table,omitempty"`
	Ref   ObjectHash       `json:"ref,omitempty"`
}

// ValueKind tags the active field of a Value.
type ValueKind string

const (
	KindString   ValueKind = "string"
	KindNumber   ValueKind = "number"
	KindBool     ValueKind = "bool"
	KindArray    ValueKind = "array"
	KindTable    ValueKind = "table"
	KindBuildRef ValueKind = "build_ref"
	KindBindRef  ValueKind = "bind_ref"
)

func StringValue(s string) Value               { return Value{Kind: KindString, Str: s} }
func NumberValue(n float64) Value              { return Value{Kind: KindNumber, Num: n} }
func BoolValue(b bool) Value                   { return Value{Kind: KindBool, Bool: b} }
func ArrayValue(items []Value) Value           { return Value{Kind: KindArray, Array: items} }
func TableValue(fields map[string]Value) Value { return Value{Kind: KindTable, Table: fields} }
func BuildRefValue(hash ObjectHash) Value      { return Value{Kind: KindBuildRef, Ref: hash} }
func BindRefValue(hash ObjectHash) Value       { return Value{Kind: KindBindRef, Ref: hash} }

// Walk calls visit for this value and, recursively, for every value nested
// inside it (array items and table fields, of any kind). Table iteration is sorted by key so traversal order is
// deterministic.
func (v Value) Walk(visit func(Value)) {
	visit(v)
	switch v.Kind {
	case KindArray:
		for _, item := range v.Array {
			item.Walk(visit)
		}
	case KindTable:
		keys := make([]string, 0, len(v.Table))
		for k := range v.Table {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v.Table[k].Walk(visit)
		}
	}
}

// BuildRefs returns every BuildRef hash reachable within v, in deterministic
// (sorted-key walk) order, including duplicates.
func (v Value) BuildRefs() []ObjectHash {
	var out []ObjectHash
	v.Walk(func(val Value) {
		if val.Kind == KindBuildRef {
			out = append(out, val.Ref)
		}
	})
	return out
}

// BindRefs returns every BindRef hash reachable within v.
func (v Value) BindRefs() []ObjectHash {
	var out []ObjectHash
	v.Walk(func(val Value) {
		if val.Kind == KindBindRef {
			out = append(out, val.Ref)
		}
	})
	return out
}

// ContainsBindRef reports whether v (recursively) references any bind. A
// BuildDef's inputs must never satisfy this; it is validated at ingest.
func (v Value) ContainsBindRef() bool {
	found := false
	v.Walk(func(val Value) {
		if val.Kind == KindBindRef {
			found = true
		}
	})
	return found
}

// MarshalJSON encodes v through an alias type, which gives the default
// struct encoding of Value's fields without recursing into this method.
func (v Value) MarshalJSON() ([]byte, error) {
	type alias Value
	return json.Marshal(alias(v))
}

// UnmarshalJSON validates Kind against the payload it's paired with.
func (v *Value) UnmarshalJSON(data []byte) error {
	type alias Value
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return xerrors.Errorf("unmarshal value: %w", err)
	}
	switch a.Kind {
	case KindString, KindNumber, KindBool, KindArray, KindTable, KindBuildRef, KindBindRef:
	default:
		return fmt.Errorf("model: unknown value kind %q", a.Kind)
	}
	*v = Value(a)
	return nil
}
