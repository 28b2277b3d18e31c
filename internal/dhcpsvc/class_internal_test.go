package dhcpsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constBool returns an [Expr] that always evaluates to v.
func constBool(v bool) (e *Expr) {
	return &Expr{Kind: exprConstBoolean, ConstBool: v}
}

// constData returns an [Expr] that always evaluates to data.
func constData(data string) (e *Expr) {
	return &Expr{Kind: exprConstData, ConstData: []byte(data)}
}

func TestClass_Matches(t *testing.T) {
	c := &Class{Name: "matches-all", Match: constBool(true)}
	assert.True(t, c.Matches(&evalContext{}))

	c = &Class{Name: "matches-none", Match: constBool(false)}
	assert.False(t, c.Matches(&evalContext{}))
}

func TestClass_Resolve_NoSpawn(t *testing.T) {
	scope := &group{Name: "plain"}
	c := &Class{Name: "plain", Match: constBool(true), Scope: scope}

	got, ok := c.resolve(&evalContext{})
	require.True(t, ok)
	assert.Same(t, scope, got)
}

func TestClass_Resolve_Spawn(t *testing.T) {
	parent := &group{Name: "parent"}
	c := &Class{Name: "vendor", Match: constBool(true), Spawn: constData("acme"), Scope: parent}

	first, ok := c.resolve(&evalContext{})
	require.True(t, ok)
	assert.Equal(t, parent, first.Parent)

	// Resolving with the same key again must return the same subclass, not
	// spawn a second one.
	second, ok := c.resolve(&evalContext{})
	require.True(t, ok)
	assert.Same(t, first, second)

	require.Len(t, c.subclasses, 1)
	sub := c.subclasses["acme"]
	assert.NotEqual(t, subclassNamespace, sub.ID)
	assert.Equal(t, "acme", sub.Key)
}

func TestClassify_NewestFirstBounded(t *testing.T) {
	var classes []*Class
	for i := range maxPacketClasses + 2 {
		name := string(rune('a' + i))
		classes = append(classes, &Class{
			Name:  name,
			Match: constBool(true),
			Scope: &group{Name: name},
		})
	}

	list := classify(&evalContext{}, classes)

	scopes := list.scopes()
	require.Len(t, scopes, maxPacketClasses)

	// Newest match (last in classes) must come first.
	assert.Equal(t, classes[len(classes)-1].Name, scopes[0].Name)
}

func TestClassify_SkipsNonMatching(t *testing.T) {
	classes := []*Class{
		{Name: "no", Match: constBool(false), Scope: &group{Name: "no"}},
		{Name: "yes", Match: constBool(true), Scope: &group{Name: "yes"}},
	}

	list := classify(&evalContext{}, classes)
	scopes := list.scopes()
	require.Len(t, scopes, 1)
	assert.Equal(t, "yes", scopes[0].Name)
}
