package querykey

import (
	"strings"
)

// Matcher selects a set of keys. Both Key (exact) and Prefix implement it.
type Matcher interface {
	Match(k Key) bool
	String() string
}

// Prefix matches keys structurally: same kind, same operation when one is
// set, and every prefix parameter present in the key with an equal value.
// Matching never parses encoded strings, so "product" can't bleed into
// "productX" or into another kind.
type Prefix struct {
	kind   Kind
	op     Operation
	params []param
}

// All matches every key of a kind.
func All(kind Kind) Prefix {
	return Prefix{kind: kind}
}

// OperationPrefix matches every key of kind and op, e.g. product.list.*.
func OperationPrefix(kind Kind, op Operation) Prefix {
	return Prefix{kind: kind, op: op}
}

// NewPrefix builds a prefix constrained by a parameter subset. Parameters
// go through the same normalization as Make.
func NewPrefix(kind Kind, op Operation, params Params) (Prefix, error) {
	if !knownKind(kind) {
		return Prefix{}, ErrUnknownKind
	}
	normalized, err := normalizeParams(params)
	if err != nil {
		return Prefix{}, err
	}
	return Prefix{kind: kind, op: op, params: normalized}, nil
}

// MustPrefix is like NewPrefix but panics on error.
func MustPrefix(kind Kind, op Operation, params Params) Prefix {
	p, err := NewPrefix(kind, op, params)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Prefix) Kind() Kind           { return p.kind }
func (p Prefix) Operation() Operation { return p.op }

func (p Prefix) Match(k Key) bool {
	if k.kind != p.kind {
		return false
	}
	if p.op != "" && k.op != p.op {
		return false
	}
	for _, want := range p.params {
		found := false
		for _, have := range k.params {
			if have.name == want.name {
				found = have.enc == want.enc
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (p Prefix) String() string {
	var b strings.Builder
	b.WriteString(string(p.kind))
	if p.op != "" {
		b.WriteByte('.')
		b.WriteString(string(p.op))
	}
	for _, prm := range p.params {
		b.WriteByte('.')
		b.WriteString(prm.name)
		b.WriteByte('=')
		b.WriteString(prm.enc)
	}
	b.WriteString(".*")
	return b.String()
}

type everything struct{}

func (everything) Match(Key) bool { return true }
func (everything) String() string { return "*" }

// Everything matches every key.
var Everything Matcher = everything{}

type union []Matcher

func (u union) Match(k Key) bool {
	for _, m := range u {
		if m.Match(k) {
			return true
		}
	}
	return false
}

func (u union) String() string {
	parts := make([]string, len(u))
	for i, m := range u {
		parts[i] = m.String()
	}
	return strings.Join(parts, "|")
}

// AnyOf matches keys matched by at least one of ms.
func AnyOf(ms ...Matcher) Matcher {
	return union(ms)
}
