package dhcpsvc

import (
	"github.com/AdguardTeam/golibs/container"
	"github.com/google/uuid"
)

// subclassNamespace scopes the UUIDv5 identifiers generated for spawned
// [Subclass] values, keeping them distinct from UUIDs any other component
// might derive from similar strings.
var subclassNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("dhcpsvc.Subclass"))

// Class matches incoming packets against a boolean expression and, if it
// also carries a Spawn expression, creates a distinct [Subclass] per
// evaluated spawn key the first time that key is seen.
type Class struct {
	// Match decides whether a given message belongs to this class.
	Match *Expr

	// Spawn, if non-nil, computes the subclass key for a matching message;
	// the class then behaves as the union of its subclasses rather than a
	// single scope.
	Spawn *Expr

	// Scope holds the statements that apply to members of this class (or, if
	// Spawn is set, the shared parent of every spawned subclass).
	Scope *group

	Name string

	subclasses map[string]*Subclass
}

// Subclass is a class spawned for one particular Spawn key.
type Subclass struct {
	Scope *group
	Key   string

	// ID identifies this subclass stably across process restarts and
	// journal rewrites: it's derived deterministically from the owning
	// class's name and Key (via [uuid.NewSHA1]), not generated at random,
	// so recomputing it from the same inputs after a reload always yields
	// the same value instead of minting a fresh identity every time.
	ID uuid.UUID
}

// Matches reports whether ctx matches c's Match expression.  An unknown
// result is treated as no match.
func (c *Class) Matches(ctx *evalContext) (ok bool) {
	v, known := c.Match.EvalBoolean(ctx)

	return known && v
}

// resolve returns the scope a matching message should use: if c spawns
// subclasses, the subclass for ctx's spawn key is created on first sight and
// returned; otherwise c's own scope is used directly.
func (c *Class) resolve(ctx *evalContext) (scope *group, ok bool) {
	if c.Spawn == nil {
		return c.Scope, true
	}

	keyData, known := c.Spawn.EvalData(ctx)
	if !known {
		return nil, false
	}

	key := string(keyData)

	if c.subclasses == nil {
		c.subclasses = map[string]*Subclass{}
	}

	sub, found := c.subclasses[key]
	if !found {
		sub = &Subclass{
			Key:   key,
			Scope: &group{Parent: c.Scope, Name: c.Name + ":" + key},
			ID:    uuid.NewSHA1(subclassNamespace, []byte(c.Name+":"+key)),
		}
		c.subclasses[key] = sub
	}

	return sub.Scope, true
}

// maxPacketClasses is the maximum number of classes recorded per packet.
const maxPacketClasses = 5

// packetClassList is the bounded, newest-first list of classes a single
// packet matched, consulted in that order when resolving option values.
type packetClassList struct {
	entries container.KeyValues[string, *group]
}

// add records that the packet matched the class named name with the given
// resolved scope, evicting the oldest entry once the list is full.
func (l *packetClassList) add(name string, scope *group) {
	entry := container.KeyValue[string, *group]{Key: name, Value: scope}

	entries := make(container.KeyValues[string, *group], 0, maxPacketClasses)
	entries = append(entries, entry)
	entries = append(entries, l.entries...)

	if len(entries) > maxPacketClasses {
		entries = entries[:maxPacketClasses]
	}

	l.entries = entries
}

// scopes returns the resolved scopes in newest-first match order.
func (l *packetClassList) scopes() (scopes []*group) {
	scopes = make([]*group, 0, len(l.entries))
	for _, kv := range l.entries {
		scopes = append(scopes, kv.Value)
	}

	return scopes
}

// classify matches pkt against every class in classes, in order, populating
// and returning a bounded [packetClassList].
func classify(ctx *evalContext, classes []*Class) (list packetClassList) {
	for _, c := range classes {
		if !c.Matches(ctx) {
			continue
		}

		scope, ok := c.resolve(ctx)
		if !ok {
			continue
		}

		list.add(c.Name, scope)
	}

	return list
}
