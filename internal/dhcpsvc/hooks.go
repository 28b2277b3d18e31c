package dhcpsvc

import (
	"slices"

	"github.com/google/gopacket/layers"
)

// optionsFromV4 converts the base "dhcp" universe of a decoded DHCPv4
// message into an [Options] list, for evaluating a lease's statement hooks
// against the request that triggered them.
func optionsFromV4(opts layers.DHCPOptions) (res Options) {
	res = make(Options, 0, len(opts))
	for _, o := range opts {
		res = append(res, Option{Code: byte(o.Type), Data: o.Data})
	}

	return res
}

// mergeIntoV4 appends or overwrites resp's options with every option hooked
// set, preserving resp's existing option order for anything hooked didn't
// touch.
func mergeIntoV4(resp *layers.DHCPv4, hooked Options) {
	for _, o := range hooked {
		opt := layers.NewDHCPOption(layers.DHCPOpt(o.Code), o.Data)
		i := slices.IndexFunc(resp.Options, func(r layers.DHCPOption) (ok bool) {
			return r.Type == opt.Type
		})
		if i >= 0 {
			resp.Options[i] = opt
		} else {
			resp.Options = append(resp.Options, opt)
		}
	}
}

// runClasses classifies req against classes and executes the matched,
// newest-first scopes, returning whatever options they chose to
// add/supersede/append/prepend.  l's Scope is used (and created if nil) so
// that a class's "set" statements are visible to the lease hooks that run
// afterward in the same pass, per spec.md §2's data flow: classification
// populates the packet's class set, and the resulting scopes are consulted
// when option values are resolved.
func runClasses(classes []*Class, req *layers.DHCPv4, l *Lease) (out Options, err error) {
	if len(classes) == 0 {
		return nil, nil
	}

	if l.Scope == nil {
		l.Scope = map[string]string{}
	}

	out = Options{}
	ctx := &execContext{
		evalContext: evalContext{
			requestOptions: optionsFromV4(req.Options),
			scope:          l.Scope,
		},
		Response: &out,
	}

	list := classify(&ctx.evalContext, classes)
	for _, scope := range list.scopes() {
		err = executeStatementsInScope(ctx, scope, nil)
		if err != nil {
			return out, err
		}
	}

	return out, nil
}

// runLeaseHooks executes stmts (one of a [Lease]'s OnCommit/OnRelease/
// OnExpiry lists) against req and l, returning whatever options the
// statements chose to add/supersede/append/prepend.  req may be nil for
// hooks that don't run in response to a live request (e.g. OnExpiry, fired
// during reclamation).  l must not be nil; l.Scope is created if nil so
// "set" statements have somewhere to bind.
func runLeaseHooks(stmts []Statement, req *layers.DHCPv4, l *Lease) (out Options, err error) {
	if len(stmts) == 0 {
		return nil, nil
	}

	if l.Scope == nil {
		l.Scope = map[string]string{}
	}

	var reqOpts Options
	if req != nil {
		reqOpts = optionsFromV4(req.Options)
	}

	out = Options{}
	ctx := &execContext{
		evalContext: evalContext{
			requestOptions: reqOpts,
			scope:          l.Scope,
		},
		Response: &out,
	}

	g := &group{Statements: stmts}

	err = executeStatementsInScope(ctx, g, nil)

	return out, err
}
