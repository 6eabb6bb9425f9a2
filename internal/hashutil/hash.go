// Package hashutil computes the canonical, deterministic ObjectHash of a
// BuildDef or BindDef (§4.A): a digest of a canonical byte serialization
// that is invariant to map key order and changes whenever any observable
// field changes, including transitively through referenced hashes.
package hashutil

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"

	"github.com/distr1/envbind/internal/action"
	"github.com/distr1/envbind/internal/model"
)

// hashLen is the number of hex characters an ObjectHash carries: the first
// 24 hex chars (12 bytes) of a SHA-256 digest.
const hashLen = 24

// buf accumulates a canonical byte encoding. Every append method on it is
// length-prefixed or explicitly tagged so no two distinct values can
// ever produce the same byte stream (no ambiguous concatenation).
type buf struct {
	b []byte
}

func (w *buf) byte(b byte) { w.b = append(w.b, b) }

func (w *buf) str(s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	w.b = append(w.b, lenBuf[:]...)
	w.b = append(w.b, s...)
}

func (w *buf) optStr(s *string) {
	if s == nil {
		w.byte(0)
		return
	}
	w.byte(1)
	w.str(*s)
}

func (w *buf) u64(n uint64) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], n)
	w.b = append(w.b, lenBuf[:]...)
}

func (w *buf) strSlice(ss []string) {
	w.u64(uint64(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

func (w *buf) strMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u64(uint64(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.str(m[k])
	}
}

func (w *buf) value(v model.Value) {
	w.str(string(v.Kind))
	switch v.Kind {
	case model.KindString:
		w.str(v.Str)
	case model.KindNumber:
		var bits [8]byte
		binary.BigEndian.PutUint64(bits[:], math.Float64bits(v.Num))
		w.b = append(w.b, bits[:]...)
	case model.KindBool:
		if v.Bool {
			w.byte(1)
		} else {
			w.byte(0)
		}
	case model.KindArray:
		w.u64(uint64(len(v.Array)))
		for _, item := range v.Array {
			w.value(item)
		}
	case model.KindTable:
		keys := make([]string, 0, len(v.Table))
		for k := range v.Table {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.u64(uint64(len(keys)))
		for _, k := range keys {
			w.str(k)
			w.value(v.Table[k])
		}
	case model.KindBuildRef, model.KindBindRef:
		w.str(string(v.Ref))
	}
}

func (w *buf) optValue(v *model.Value) {
	if v == nil {
		w.byte(0)
		return
	}
	w.byte(1)
	w.value(*v)
}

func (w *buf) action(a action.Action) {
	w.str(string(a.Kind))
	w.str(a.Bin)
	w.strSlice(a.Args)
	w.strMap(a.Env)
	w.str(a.Cwd)
	w.str(a.URL)
	w.str(a.SHA256)
}

func (w *buf) actions(as []action.Action) {
	w.u64(uint64(len(as)))
	for _, a := range as {
		w.action(a)
	}
}

func (w *buf) outputs(outputs map[string]string) {
	w.byte(boolByte(outputs != nil))
	w.strMap(outputs)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func digest(w *buf) model.ObjectHash {
	sum := sha256.Sum256(w.b)
	return model.ObjectHash(hexEncode(sum[:])[:hashLen])
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

// Build computes the ObjectHash of a BuildDef.
func Build(b model.BuildDef) model.ObjectHash {
	w := &buf{}
	w.str("build")
	w.optStr(b.ID)
	w.optValue(b.Inputs)
	w.actions(b.CreateActions)
	w.outputs(b.Outputs)
	return digest(w)
}

// Bind computes the ObjectHash of a BindDef.
func Bind(b model.BindDef) model.ObjectHash {
	w := &buf{}
	w.str("bind")
	w.optStr(b.ID)
	w.optValue(b.Inputs)
	w.actions(b.CreateActions)
	w.byte(boolByte(b.UpdateActions != nil))
	if b.UpdateActions != nil {
		w.actions(*b.UpdateActions)
	}
	w.actions(b.DestroyActions)
	w.byte(boolByte(b.CheckActions != nil))
	if b.CheckActions != nil {
		w.actions(*b.CheckActions)
	}
	w.outputs(b.Outputs)
	return digest(w)
}
