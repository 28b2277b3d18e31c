package dhcpsvc

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunClasses_NoClasses(t *testing.T) {
	req := &layers.DHCPv4{}
	l := &Lease{}

	out, err := runClasses(nil, req, l)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRunClasses_SetVisibleToCaller(t *testing.T) {
	classes := []*Class{{
		Name:  "vip",
		Match: constBool(true),
		Scope: &group{
			Name: "vip",
			Statements: []Statement{
				{Kind: StatementSet, Name: "tier", Value: constData("gold")},
				{
					Kind:  StatementAdd,
					Code:  byte(layers.DHCPOptHostname),
					Value: constData("vip-host"),
				},
			},
		},
	}}

	req := &layers.DHCPv4{}
	l := &Lease{}

	out, err := runClasses(classes, req, l)
	require.NoError(t, err)

	require.NotNil(t, l.Scope)
	assert.Equal(t, "gold", l.Scope["tier"])

	data, ok := out.Get(byte(layers.DHCPOptHostname))
	require.True(t, ok)
	assert.Equal(t, "vip-host", string(data))
}

func TestRunLeaseHooks_SetAndOption(t *testing.T) {
	stmts := []Statement{
		{Kind: StatementSet, Name: "assigned", Value: constData("yes")},
		{Kind: StatementAdd, Code: byte(layers.DHCPOptHostname), Value: constData("from-hook")},
	}

	l := &Lease{}

	out, err := runLeaseHooks(stmts, nil, l)
	require.NoError(t, err)

	require.NotNil(t, l.Scope)
	assert.Equal(t, "yes", l.Scope["assigned"])

	data, ok := out.Get(byte(layers.DHCPOptHostname))
	require.True(t, ok)
	assert.Equal(t, "from-hook", string(data))
}

func TestRunLeaseHooks_Empty(t *testing.T) {
	l := &Lease{}

	out, err := runLeaseHooks(nil, nil, l)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Nil(t, l.Scope)
}

func TestRunClasses_NonMatchingSkipped(t *testing.T) {
	classes := []*Class{{
		Name:  "never",
		Match: constBool(false),
		Scope: &group{
			Statements: []Statement{
				{Kind: StatementSet, Name: "tier", Value: constData("gold")},
			},
		},
	}}

	req := &layers.DHCPv4{}
	l := &Lease{}

	out, err := runClasses(classes, req, l)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NotContains(t, l.Scope, "tier")
}
