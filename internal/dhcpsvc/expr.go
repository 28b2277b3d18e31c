package dhcpsvc

import (
	"bytes"
	"encoding/binary"
)

// exprKind discriminates the payload a [Expr] node carries.  It stands in
// for the original's void-pointer expression tree: a single closed sum type
// instead of a union of "struct expression" variants.
type exprKind uint8

// exprKind values.
const (
	exprConstData exprKind = iota
	exprConstNumeric
	exprConstBoolean
	exprOptionRef
	exprVariableRef
	exprExists
	exprNot
	exprAnd
	exprOr
	exprEquals
	exprConcat
	exprSubstring
	exprExtractInt
	exprPackLength
)

// Expr is a node of a tagged expression tree.  Every node evaluates to
// exactly one of the three typed domains (boolean, data, numeric); which
// domain a node belongs to is implied by exprKind, mirroring the three
// typed evaluators named in the evaluation engine.
type Expr struct {
	Sub []*Expr

	Name     string
	Universe string

	ConstData []byte
	ConstNum  int64
	ConstBool bool

	Code byte
	Kind exprKind

	// Width and Offset parametrize exprSubstring/exprExtractInt.
	Offset int
	Width  int
}

// evalContext carries everything an [Expr] needs to resolve option and
// variable references while processing a single message.
type evalContext struct {
	// requestOptions is the base "dhcp" universe of the inbound message.
	requestOptions Options

	// subOptions resolves a non-"dhcp" universe name to its decoded
	// sub-options, nested inside the enclosing option that carries it.
	subOptions func(universe string) (Options, bool)

	// scope holds the named variable bindings visible to this evaluation,
	// typically a lease's persisted Scope merged with any "set" statements
	// executed so far in this pass.
	scope map[string]string
}

// optionData resolves an option reference against ctx, consulting the base
// universe directly and any other universe through subOptions.
func (ctx *evalContext) optionData(universe string, code byte) (data []byte, ok bool) {
	if universe == "" || universe == "dhcp" {
		return ctx.requestOptions.Get(code)
	}

	if ctx.subOptions == nil {
		return nil, false
	}

	opts, ok := ctx.subOptions(universe)
	if !ok {
		return nil, false
	}

	return opts.Get(code)
}

// EvalData evaluates e as a data expression.  ok is false if e (or any
// sub-expression it strictly requires) has no known value — the explicit
// NULL/unknown channel named in the evaluation engine, as opposed to Go's
// zero value standing in for "unknown".
func (e *Expr) EvalData(ctx *evalContext) (v []byte, ok bool) {
	switch e.Kind {
	case exprConstData:
		return e.ConstData, true
	case exprOptionRef:
		return ctx.optionData(e.Universe, e.Code)
	case exprVariableRef:
		s, found := ctx.scope[e.Name]
		if !found {
			return nil, false
		}

		return []byte(s), true
	case exprConcat:
		a, aok := e.Sub[0].EvalData(ctx)
		b, bok := e.Sub[1].EvalData(ctx)
		if !aok || !bok {
			return nil, false
		}

		return append(append([]byte(nil), a...), b...), true
	case exprSubstring:
		base, bok := e.Sub[0].EvalData(ctx)
		if !bok || e.Offset < 0 || e.Offset > len(base) {
			return nil, false
		}

		end := e.Offset + e.Width
		if end > len(base) || e.Width < 0 {
			end = len(base)
		}

		return base[e.Offset:end], true
	default:
		return nil, false
	}
}

// EvalNumeric evaluates e as a numeric expression.
func (e *Expr) EvalNumeric(ctx *evalContext) (v int64, ok bool) {
	switch e.Kind {
	case exprConstNumeric:
		return e.ConstNum, true
	case exprExtractInt:
		data, dok := e.Sub[0].EvalData(ctx)
		if !dok {
			return 0, false
		}

		switch e.Width {
		case 8:
			if len(data) < 1 {
				return 0, false
			}

			return int64(data[0]), true
		case 16:
			if len(data) < 2 {
				return 0, false
			}

			return int64(binary.BigEndian.Uint16(data)), true
		case 32:
			if len(data) < 4 {
				return 0, false
			}

			return int64(binary.BigEndian.Uint32(data)), true
		default:
			return 0, false
		}
	case exprPackLength:
		data, dok := e.Sub[0].EvalData(ctx)
		if !dok {
			return 0, false
		}

		return int64(len(data)), true
	default:
		return 0, false
	}
}

// trilean is a three-valued logic result: known-true, known-false, or
// unknown.  and/or combine trileans without treating "unknown" as either
// boolean value.
type trilean uint8

const (
	triUnknown trilean = iota
	triFalse
	triTrue
)

func boolToTrilean(v, ok bool) (t trilean) {
	if !ok {
		return triUnknown
	}

	if v {
		return triTrue
	}

	return triFalse
}

// EvalBoolean evaluates e as a boolean expression using strict (ternary)
// and/or/not: an operand whose value is unknown only determines the overall
// result if the other operand is decisive (and/false, or/true); otherwise
// the result itself is unknown.
func (e *Expr) EvalBoolean(ctx *evalContext) (v, ok bool) {
	switch e.Kind {
	case exprConstBoolean:
		return e.ConstBool, true
	case exprExists:
		_, exists := e.Sub[0].EvalData(ctx)

		return exists, true
	case exprNot:
		inner, iok := e.Sub[0].EvalBoolean(ctx)
		if !iok {
			return false, false
		}

		return !inner, true
	case exprAnd:
		a := boolToTrilean(e.Sub[0].EvalBoolean(ctx))
		b := boolToTrilean(e.Sub[1].EvalBoolean(ctx))
		switch {
		case a == triFalse || b == triFalse:
			return false, true
		case a == triUnknown || b == triUnknown:
			return false, false
		default:
			return true, true
		}
	case exprOr:
		a := boolToTrilean(e.Sub[0].EvalBoolean(ctx))
		b := boolToTrilean(e.Sub[1].EvalBoolean(ctx))
		switch {
		case a == triTrue || b == triTrue:
			return true, true
		case a == triUnknown || b == triUnknown:
			return false, false
		default:
			return false, true
		}
	case exprEquals:
		a, aok := e.Sub[0].EvalData(ctx)
		b, bok := e.Sub[1].EvalData(ctx)
		if !aok || !bok {
			return false, false
		}

		return bytes.Equal(a, b), true
	default:
		return false, false
	}
}
