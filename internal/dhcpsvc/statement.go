package dhcpsvc

import "fmt"

// StatementKind discriminates the executable statement forms named in the
// configuration layer: if, eval, add, supersede, default, append, and
// prepend.
type StatementKind uint8

// StatementKind values.
const (
	StatementIf StatementKind = iota
	StatementEval
	StatementAdd
	StatementSupersede
	StatementDefault
	StatementAppend
	StatementPrepend
	StatementSet
)

// Statement is a single executable statement in a [group]'s statement list.
type Statement struct {
	Cond *Expr
	Then []Statement
	Else []Statement

	// Universe and Code name the option an option-set statement (add,
	// supersede, default, append, prepend) operates on.
	Universe string
	Code     byte

	// Name is the scope variable a "set" statement binds.
	Name string

	// Value computes the data an option-set or "set" statement assigns.
	Value *Expr

	Kind StatementKind
}

// execContext extends [evalContext] with the mutable state a [Statement]
// execution can affect: the response being built and the persisted scope
// bindings.
type execContext struct {
	evalContext

	// Response accumulates the outgoing option set for the message under
	// processing.
	Response *Options
}

// Execute runs st against ctx, recursing into nested statement lists for
// StatementIf.
func (st Statement) Execute(ctx *execContext) (err error) {
	switch st.Kind {
	case StatementIf:
		v, ok := st.Cond.EvalBoolean(&ctx.evalContext)
		branch := st.Else
		if ok && v {
			branch = st.Then
		}

		for _, sub := range branch {
			err = sub.Execute(ctx)
			if err != nil {
				return err
			}
		}

		return nil
	case StatementEval:
		// Evaluated purely for side effects on any future caching of the
		// expression; the value itself is discarded.
		_, _ = st.Cond.EvalBoolean(&ctx.evalContext)

		return nil
	case StatementSet:
		if ctx.scope == nil {
			return fmt.Errorf("set %s: no scope to bind into", st.Name)
		}

		data, ok := st.Value.EvalData(&ctx.evalContext)
		if !ok {
			return nil
		}

		ctx.scope[st.Name] = string(data)

		return nil
	default:
		return st.executeOptionSet(ctx)
	}
}

// executeOptionSet applies add/supersede/default/append/prepend to the
// option st.Code within ctx.Response.  st.Universe is not consulted: every
// statement reads and writes st.Code in the base option list of
// ctx.Response, and sub-options nested inside an option of another universe
// are not modified.
func (st Statement) executeOptionSet(ctx *execContext) (err error) {
	value, ok := st.Value.EvalData(&ctx.evalContext)
	if !ok {
		return nil
	}

	existing, has := ctx.Response.Get(st.Code)

	switch st.Kind {
	case StatementAdd, StatementSupersede:
		*ctx.Response = ctx.Response.Set(st.Code, value)
	case StatementDefault:
		if !has {
			*ctx.Response = ctx.Response.Set(st.Code, value)
		}
	case StatementAppend:
		if has {
			*ctx.Response = ctx.Response.Set(st.Code, append(append([]byte(nil), existing...), value...))
		} else {
			*ctx.Response = ctx.Response.Set(st.Code, value)
		}
	case StatementPrepend:
		if has {
			*ctx.Response = ctx.Response.Set(st.Code, append(append([]byte(nil), value...), existing...))
		} else {
			*ctx.Response = ctx.Response.Set(st.Code, value)
		}
	default:
		return fmt.Errorf("unknown statement kind %d", st.Kind)
	}

	return nil
}
