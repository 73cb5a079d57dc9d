package resolve

import "sort"

// versionMap is a map from Identifier to pin that also allows constant-time access to the most
// recently inserted key, the way pip's resolvelib.State.mapping (an OrderedDict) does; ported
// from google-deps.dev/util/resolve/pypi's versionMap.
type versionMap struct {
	m     map[Identifier]pin
	stack []Identifier
}

func newVersionMap(capacity int) *versionMap {
	return &versionMap{
		m:     make(map[Identifier]pin, capacity),
		stack: make([]Identifier, 0, capacity),
	}
}

func (v *versionMap) Len() int { return len(v.m) }

func (v *versionMap) Get(id Identifier) (pin, bool) {
	p, ok := v.m[id]
	return p, ok
}

// Set puts an identifier/pin pair into the map, moving it to the top of the insertion stack if
// already present.
func (v *versionMap) Set(id Identifier, p pin) {
	for i, existing := range v.stack {
		if existing == id {
			v.stack = append(v.stack[:i], v.stack[i+1:]...)
			break
		}
	}
	v.m[id] = p
	v.stack = append(v.stack, id)
}

// Pop removes and returns the most recently inserted pair.
func (v *versionMap) Pop() (Identifier, pin) {
	if len(v.stack) == 0 {
		return "", pin{}
	}
	id := v.stack[len(v.stack)-1]
	p := v.m[id]
	delete(v.m, id)
	v.stack = v.stack[:len(v.stack)-1]
	return id, p
}

func (v *versionMap) Iterate(f func(Identifier, pin)) {
	for _, id := range v.stack {
		f(id, v.m[id])
	}
}

func (v *versionMap) Clone() *versionMap {
	w := &versionMap{
		m:     make(map[Identifier]pin, v.Len()),
		stack: append([]Identifier(nil), v.stack...),
	}
	for id, p := range v.m {
		w.m[id] = p
	}
	return w
}

// informationEdge records one requirement that contributed to a criterion, along with the
// candidate that introduced it ("" parent identifier / zero-value parent pin for a root
// requirement).
type informationEdge struct {
	req       Requirement
	parentID  Identifier
	parentPin pin
	hasParent bool
}

// criterion is everything known so far about one identifier: every requirement that applies to
// it, the union of extras requested of it, and the (shrinking, as incompatibilities are
// discovered) set of candidates that could still satisfy all of them. Mirrors resolvelib's
// Criterion.
type criterion struct {
	edges             []informationEdge
	incompatibilities map[pin]bool
	candidates        []pin // most-preferred first, matching Provider.Candidates' contract
}

func (c criterion) copy() criterion {
	incompat := make(map[pin]bool, len(c.incompatibilities))
	for k, v := range c.incompatibilities {
		incompat[k] = v
	}
	return criterion{
		edges:             c.edges,
		incompatibilities: incompat,
		candidates:        c.candidates,
	}
}

// allowsPrerelease reports whether any requirement contributing to this criterion travels the
// "package allows pre-release" flag.
func (c criterion) allowsPrerelease() bool {
	for _, e := range c.edges {
		if e.req.AllowPrerelease {
			return true
		}
	}
	return false
}

type criterionPair struct {
	id   Identifier
	crit criterion
}

// criteria is a sorted slice of criterionPair, giving deterministic iteration order (by
// identifier) independent of Go's randomized map iteration -- needed so the resolver's own
// output (and any conflict report) is reproducible across runs, per SPEC_FULL.md §5's ordering
// guarantees.
type criteria []criterionPair

func newCriteria() *criteria {
	c := criteria{}
	return &c
}

func (c *criteria) Len() int { return len(*c) }

func (c *criteria) Copy() *criteria {
	d := make(criteria, c.Len())
	copy(d, *c)
	return &d
}

func (c *criteria) Put(id Identifier, crit criterion) {
	cs := *c
	i := sort.Search(len(cs), func(i int) bool { return cs[i].id >= id })
	if i < len(cs) && cs[i].id == id {
		cs[i].crit = crit
	} else {
		cs = append(cs, criterionPair{})
		copy(cs[i+1:], cs[i:])
		cs[i] = criterionPair{id: id, crit: crit}
	}
	*c = cs
}

func (c criteria) Get(id Identifier) (criterion, bool) {
	i := sort.Search(len(c), func(i int) bool { return c[i].id >= id })
	if i < len(c) && c[i].id == id {
		return c[i].crit, true
	}
	return criterion{}, false
}
