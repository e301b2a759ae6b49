// Package querykey builds canonical identities for parameterized read requests.
//
// A Key is the ordered tuple (kind, operation, parameters). Parameters are
// normalized before the key is built: undefined (nil) values are omitted,
// names are sorted, numbers share a single representation regardless of the
// Go type they arrived in, and a blank search keyword counts as absent. Two
// logically identical requests therefore produce byte-identical keys.
package querykey

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Kind is the resource family a key addresses.
type Kind string

const (
	KindProduct  Kind = "product"
	KindCategory Kind = "category"
	KindCart     Kind = "cart"
	KindOrder    Kind = "order"
	KindReview   Kind = "review"
)

// Kinds lists every resource kind a key may address.
var Kinds = []Kind{KindProduct, KindCategory, KindCart, KindOrder, KindReview}

// Operation is the read shape within a kind.
type Operation string

const (
	OpList         Operation = "list"
	OpDetail       Operation = "detail"
	OpSearch       Operation = "search"
	OpStats        Operation = "stats"
	OpSlug         Operation = "slug"
	OpCount        Operation = "count"
	OpRevenue      Operation = "revenue"
	OpProductStats Operation = "product-stats"
)

// Parameter names with a meaning shared across packages.
const (
	ParamID      = "id"
	ParamKeyword = "keyword"
	ParamScope   = "scope"
	ParamStatus  = "status"
	ParamPage    = "page"
	ParamSize    = "size"
	ParamSort    = "sort"
)

var (
	ErrUnknownKind      = errors.New("unknown resource kind")
	ErrEmptyOperation   = errors.New("operation cannot be empty")
	ErrUnsupportedValue = errors.New("unsupported parameter value")
)

// Params is the raw parameter mapping handed in by callers. Values may be
// strings, booleans, numbers, pointers to those, or nil for undefined.
type Params map[string]any

type param struct {
	name  string
	value any
	enc   string
}

// Key is an immutable canonical query identity. Use Equal or ID to compare
// keys; the zero Key addresses nothing.
type Key struct {
	kind   Kind
	op     Operation
	params []param
	id     string
}

// Make builds the canonical key for (kind, op, params).
func Make(kind Kind, op Operation, params Params) (Key, error) {
	if !knownKind(kind) {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if op == "" {
		return Key{}, ErrEmptyOperation
	}
	normalized, err := normalizeParams(params)
	if err != nil {
		return Key{}, err
	}
	return Key{
		kind:   kind,
		op:     op,
		params: normalized,
		id:     encode(kind, op, normalized),
	}, nil
}

// MustMake is like Make but panics on error. It's intended for keys built
// from literals.
func MustMake(kind Kind, op Operation, params Params) Key {
	k, err := Make(kind, op, params)
	if err != nil {
		panic(err)
	}
	return k
}

// Detail is shorthand for the detail key of a single record.
func Detail(kind Kind, id string) Key {
	return MustMake(kind, OpDetail, Params{ParamID: id})
}

func (k Key) Kind() Kind           { return k.kind }
func (k Key) Operation() Operation { return k.op }

// ID returns the canonical byte encoding of the key.
func (k Key) ID() string { return k.id }

func (k Key) String() string { return k.id }

func (k Key) IsZero() bool { return k.id == "" }

func (k Key) Equal(other Key) bool { return k.id == other.id }

// Match makes a Key usable as an exact-match Matcher.
func (k Key) Match(other Key) bool { return k.Equal(other) }

// Param returns the normalized value of a parameter. Numbers come back as
// int64, uint64, or float64.
func (k Key) Param(name string) (any, bool) {
	for _, p := range k.params {
		if p.name == name {
			return p.value, true
		}
	}
	return nil, false
}

// Has reports whether the parameter survived normalization.
func (k Key) Has(name string) bool {
	_, ok := k.Param(name)
	return ok
}

// Params returns a copy of the normalized parameters.
func (k Key) Params() Params {
	out := make(Params, len(k.params))
	for _, p := range k.params {
		out[p.name] = p.value
	}
	return out
}

func knownKind(kind Kind) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func normalizeParams(params Params) ([]param, error) {
	out := make([]param, 0, len(params))
	for name, raw := range params {
		value, enc, ok, err := normalizeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		if !ok {
			continue
		}
		// A blank keyword means "no search".
		if name == ParamKeyword {
			if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
				continue
			}
		}
		out = append(out, param{name: name, value: value, enc: enc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// normalizeValue reduces raw to a canonical Go value and its encoding.
// ok is false for undefined values.
func normalizeValue(raw any) (value any, enc string, ok bool, err error) {
	if raw == nil {
		return nil, "", false, nil
	}
	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, "", false, nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		s := rv.String()
		return s, "s:" + url.QueryEscape(s), true, nil
	case reflect.Bool:
		b := rv.Bool()
		return b, "b:" + strconv.FormatBool(b), true, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		return i, "n:" + strconv.FormatInt(i, 10), true, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u <= math.MaxInt64 {
			return int64(u), "n:" + strconv.FormatInt(int64(u), 10), true, nil
		}
		return u, "n:" + strconv.FormatUint(u, 10), true, nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, "", false, fmt.Errorf("%w: non-finite number", ErrUnsupportedValue)
		}
		// Integral floats collapse onto the integer encoding so 1 and 1.0 agree.
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			i := int64(f)
			return i, "n:" + strconv.FormatInt(i, 10), true, nil
		}
		return f, "n:" + strconv.FormatFloat(f, 'g', -1, 64), true, nil
	default:
		return nil, "", false, fmt.Errorf("%w: %T", ErrUnsupportedValue, raw)
	}
}

func encode(kind Kind, op Operation, params []param) string {
	var b strings.Builder
	b.WriteString(url.PathEscape(string(kind)))
	b.WriteByte('/')
	b.WriteString(url.PathEscape(string(op)))
	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.name))
		b.WriteByte('=')
		b.WriteString(p.enc)
	}
	return b.String()
}
