package dhcpsvc

// group is a scope: a named, ordered list of statements with an optional
// parent scope, used for shared-networks, subnets, pools, classes, and host
// reservations alike — the spec's single "Scope (Group)" concept.
type group struct {
	Parent     *group
	Name       string
	Statements []Statement
}

// executeStatementsInScope runs the statements of start, then its parent, and
// so on, stopping as soon as the scope just executed is limiting (inclusive)
// or the chain runs out of ancestors.
//
// REDESIGN: the walk compares the *current* ancestor to limiting on every
// step of the climb, not only the starting scope, so a limiting_group several
// levels up the chain is honored instead of being walked past.
func executeStatementsInScope(ctx *execContext, start, limiting *group) (err error) {
	for cur := start; cur != nil; cur = cur.Parent {
		for _, st := range cur.Statements {
			err = st.Execute(ctx)
			if err != nil {
				return err
			}
		}

		if cur == limiting {
			break
		}
	}

	return nil
}
