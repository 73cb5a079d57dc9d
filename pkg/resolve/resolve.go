package resolve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/pypkg/pkg/python/pep440"
	"github.com/datawire/pypkg/pkg/python/pep503"
	"github.com/datawire/pypkg/pkg/python/pep508"
)

// defaultMaxRounds matches pip's own backstop
// (https://github.com/pypa/pip/blob/main/src/pip/_internal/resolution/resolvelib/resolver.py).
const defaultMaxRounds = 200000

// Resolver drives one backtracking search to completion. Create it with NewResolver; it holds
// no state between calls to Resolve other than the provider's own caches.
type Resolver struct {
	provider Provider
	opts     Options

	// directURLs is the append-only name -> URL map shared across the whole solve so that
	// sibling dependency nodes agree on a direct-URL pin once any one of them requests it
	// (SPEC_FULL.md §4.5, "name→URL map shared across the solve").
	directURLs map[string]string
}

func NewResolver(p Provider, opts Options) *Resolver {
	if opts.MaxRounds == 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	return &Resolver{
		provider:   p,
		opts:       opts,
		directURLs: map[string]string{},
	}
}

// Resolve finds a consistent pin for every package transitively reachable from roots (which may
// themselves carry extras and direct-URL references), returning one PinnedPackage per distinct
// normalized base name.
func (r *Resolver) Resolve(ctx context.Context, roots []pep508.Requirement) ([]PinnedPackage, error) {
	r.directURLs = map[string]string{}
	var rootReqs []Requirement
	for _, root := range roots {
		rootReqs = append(rootReqs, r.expandUserRequirement(root)...)
	}

	s := &search{r: r}
	state, err := s.run(ctx, rootReqs)
	if err != nil {
		return nil, err
	}
	return r.buildResult(ctx, state)
}

// expandUserRequirement converts one PEP 508 requirement string (either a root requirement or a
// Requires-Dist entry already known to apply) into the Identifier-targeting Requirement values
// the search consumes: one against the base package, and one per activated extra, per
// SPEC_FULL.md §4.5's "extras as distinct packages" model.
func (r *Resolver) expandUserRequirement(req pep508.Requirement) []Requirement {
	if req.Marker != nil && !req.Marker.Eval(r.opts.MarkerEnv, nil) {
		return nil
	}
	if req.URL != "" {
		r.directURLs[pep503.Normalize(req.Name)] = req.URL
	}
	return expandRequirement(req, r.opts.PrereleaseAllow)
}

// expandRequirement converts one PEP 508 requirement (a root requirement, or a Requires-Dist
// entry already known to apply in this environment) into the Identifier-targeting Requirement
// values the search consumes: one against the base package, and one per activated extra, per
// SPEC_FULL.md §4.5's "extras as distinct packages" model. It does not touch a Resolver's
// directURLs map -- callers that need the shared-URL propagation do that themselves, since a
// dependency Requirement's URL is only known to belong to a given base after the caller has
// resolved req.Target.
func expandRequirement(req pep508.Requirement, prereleaseAllow []string) []Requirement {
	base := pep503.Normalize(req.Name)
	allowPre := prereleaseAllowed(base, req.Specifier, prereleaseAllow)

	out := []Requirement{{
		Target:          Identifier(base),
		Specifier:       req.Specifier,
		URL:             req.URL,
		AllowPrerelease: allowPre,
	}}
	for _, extra := range req.Extras {
		out = append(out, Requirement{
			Target:          MakeIdentifier(base, pep503.Normalize(extra)),
			Specifier:       req.Specifier,
			URL:             req.URL,
			AllowPrerelease: allowPre,
		})
	}
	return out
}

func prereleaseAllowed(normName string, spec pep440.Specifier, allowList []string) bool {
	if specifierNamesPrerelease(spec) {
		return true
	}
	for _, allowed := range allowList {
		if pep503.Normalize(allowed) == normName {
			return true
		}
	}
	return false
}

// specifierNamesPrerelease reports whether spec explicitly pins to a pre-release version (e.g.
// "==1.0.0a1" or ">=2.0.0rc1"), in which case PEP 440 says that pre-release must be considered
// even without an explicit --pre flag.
func specifierNamesPrerelease(spec pep440.Specifier) bool {
	for _, clause := range spec {
		if clause.Version.IsPreRelease() {
			return true
		}
	}
	return false
}

// candidatesFor fetches (and caches, via the provider) the ordered candidate list for a base
// package, honoring any direct-URL pin already propagated for it.
func (r *Resolver) candidatesFor(ctx context.Context, base string) ([]Candidate, error) {
	return r.provider.Candidates(ctx, base, r.directURLs[base])
}

// buildResult flattens the winning state's version map into one PinnedPackage per base name,
// re-fetching each base's candidate list (already warm in the provider's own cache by this
// point) to recover the artifacts backing the chosen pin.
func (r *Resolver) buildResult(ctx context.Context, state *state) ([]PinnedPackage, error) {
	byBase := map[string]*PinnedPackage{}
	var order []string
	basePins := map[string]pin{}

	state.mapping.Iterate(func(id Identifier, p pin) {
		base, extra := id.Split()
		pp, ok := byBase[base]
		if !ok {
			pp = &PinnedPackage{Name: base}
			byBase[base] = pp
			order = append(order, base)
		}
		if extra == "" {
			basePins[base] = p
		} else {
			pp.Extras = append(pp.Extras, extra)
		}
	})

	out := make([]PinnedPackage, 0, len(order))
	for _, base := range order {
		pp := byBase[base]
		p := basePins[base]
		pp.Version = p.version
		pp.URL = p.url
		sort.Strings(pp.Extras)

		candidates, err := r.candidatesFor(ctx, base)
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			if pinOf(c) == p {
				pp.Artifacts = c.Artifacts
				break
			}
		}
		out = append(out, *pp)
	}
	return out, nil
}

// search holds the mutable state of one in-progress resolution: a stack of immutable states,
// each a snapshot of pins + criteria, so that backtracking is "pop states" rather than "undo
// mutations". Mirrors resolvelib.Resolution.
type search struct {
	r      *Resolver
	states []*state
}

type state struct {
	mapping  *versionMap
	criteria *criteria
}

func (s *search) top() *state {
	if len(s.states) == 0 {
		return nil
	}
	return s.states[len(s.states)-1]
}

func (s *search) pushCopy() {
	base := s.top()
	s.states = append(s.states, &state{
		mapping:  base.mapping.Clone(),
		criteria: base.criteria.Copy(),
	})
}

func (s *search) run(ctx context.Context, rootReqs []Requirement) (*state, error) {
	s.states = []*state{{mapping: newVersionMap(0), criteria: newCriteria()}}
	top := s.top()

	for _, req := range rootReqs {
		id, crit, err := s.mergeIntoCriterion(ctx, top.criteria, req, "", pin{}, false)
		if err != nil {
			return nil, err
		}
		if id == "" {
			continue // soft requirement with nothing to merge into yet; dropped at root
		}
		top.criteria.Put(id, crit)
	}
	s.pushCopy()

	for round := 0; round < s.r.opts.MaxRounds; round++ {
		if round%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		st := s.top()
		var unsatisfied []Identifier
		for _, cp := range *st.criteria {
			if s.isPinSatisfying(st, cp.id, cp.crit) {
				continue
			}
			unsatisfied = append(unsatisfied, cp.id)
		}
		if len(unsatisfied) == 0 {
			return st, nil
		}

		name := s.pickMostPreferred(st, unsatisfied)
		causes, err := s.attemptToPin(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(causes) == 0 {
			s.pushCopy()
			continue
		}
		if ok, err := s.backtrack(ctx); err != nil {
			return nil, err
		} else if !ok {
			return nil, &ConflictError{Causes: causes}
		}
	}
	return nil, fmt.Errorf("resolve: aborted after %d rounds without converging", s.r.opts.MaxRounds)
}

func (s *search) isPinSatisfying(st *state, id Identifier, crit criterion) bool {
	current, ok := st.mapping.Get(id)
	if !ok {
		return false
	}
	for _, c := range crit.candidates {
		if c == current {
			return true
		}
	}
	return false
}

// preferenceKey orders unsatisfied criteria the way pip's provider.get_preference does:
// most-restrictive (fewest remaining candidates / an exact pin) first, then name for a
// deterministic tie-break. preferenceFor sets the order field (user-requested order) to
// math.MaxInt32 for every identifier, so it never breaks a tie.
type preferenceKey struct {
	restrictiveRating int
	order             int
	name              string
}

func (a preferenceKey) less(b preferenceKey) bool {
	if a.restrictiveRating != b.restrictiveRating {
		return a.restrictiveRating < b.restrictiveRating
	}
	if a.order != b.order {
		return a.order < b.order
	}
	return a.name < b.name
}

func (s *search) preferenceFor(st *state, id Identifier) preferenceKey {
	key := preferenceKey{name: string(id), restrictiveRating: 3, order: math.MaxInt32}
	crit, _ := st.criteria.Get(id)
	for i, e := range crit.edges {
		if e.req.URL != "" || len(e.req.Specifier) > 0 {
			key.restrictiveRating = 1
			break
		}
		if i == 0 {
			key.restrictiveRating = 2
		}
	}
	if len(crit.candidates) <= 1 {
		key.restrictiveRating = 0
	}
	return key
}

func (s *search) pickMostPreferred(st *state, ids []Identifier) Identifier {
	best := ids[0]
	bestKey := s.preferenceFor(st, best)
	for _, id := range ids[1:] {
		k := s.preferenceFor(st, id)
		if k.less(bestKey) {
			best, bestKey = id, k
		}
	}
	return best
}

// mergeIntoCriterion folds req into whatever criterion already exists for req.Target (creating
// one if this is the first requirement against it), recomputing the candidate set as the
// intersection of every contributing requirement's matches. work is the criteria snapshot being
// built up -- callers that need several merges to see each other's effect on a shared identifier
// within one round (dependenciesFor, folding an entire dependency list) pass the same work
// across every call; mergeIntoCriterion never reads or writes search state directly. parentID/
// parentPin/hasParent record which pin introduced this edge, for conflict reporting; hasParent is
// false for root requirements.
func (s *search) mergeIntoCriterion(ctx context.Context, work *criteria, req Requirement, parentID Identifier, parentPin pin, hasParent bool) (Identifier, criterion, error) {
	crit, existed := work.Get(req.Target)
	if req.Soft && !existed {
		// Constrains edges never create new work; drop silently.
		return "", criterion{}, nil
	}

	for _, e := range crit.edges {
		if requirementsEqual(e.req, req) && e.parentID == parentID {
			return req.Target, crit, nil
		}
	}
	edges := append(append([]informationEdge(nil), crit.edges...), informationEdge{
		req: req, parentID: parentID, parentPin: parentPin, hasParent: hasParent,
	})

	matches, err := s.findMatches(ctx, req.Target, edges, crit.incompatibilities)
	if err != nil {
		return "", criterion{}, err
	}
	if len(matches) == 0 {
		return "", criterion{}, conflictFor(req.Target, edges)
	}

	newCrit := crit.copy()
	newCrit.edges = edges
	newCrit.candidates = matches
	return req.Target, newCrit, nil
}

// findMatches computes the candidate list for identifier id satisfying every requirement edge
// (logical AND), minus known incompatibilities, in ascending preference order.
func (s *search) findMatches(ctx context.Context, id Identifier, edges []informationEdge, incompat map[pin]bool) ([]pin, error) {
	base, extra := id.Split()
	candidates, err := s.r.candidatesFor(ctx, base)
	if err != nil {
		return nil, err
	}

	allowPre := false
	for _, e := range edges {
		if e.req.AllowPrerelease {
			allowPre = true
			break
		}
	}

	locked, isLocked := s.r.opts.LockedPackages[base]
	favored, isFavored := s.r.opts.FavoredPackages[base]

	var matches []pin
	for _, c := range candidates {
		p := pinOf(c)
		if incompat[p] {
			continue
		}
		if isLocked && p != locked {
			continue
		}
		if !c.AllowsPrerelease && !allowPre && isPrereleaseOnly(c) {
			continue
		}
		if c.Yanked && !isExactPinFor(edges, c) {
			continue
		}
		if !satisfiesAll(c, edges) {
			continue
		}
		matches = append(matches, p)
	}

	// A favored pin (carried over from a previous lockfile) is promoted to the front of an
	// otherwise-equally-preferred candidate list, without excluding any other match the way a
	// locked pin does.
	if isFavored {
		for i, p := range matches {
			if p == favored && i != 0 {
				matches[0], matches[i] = matches[i], matches[0]
				break
			}
		}
	}

	_ = extra // extra identifiers share base's candidate list verbatim
	return matches, nil
}

// requirementsEqual compares two Requirement values for the purpose of de-duplicating edges;
// Requirement embeds a Specifier (a slice), so it is not itself comparable with ==.
func requirementsEqual(a, b Requirement) bool {
	return a.Target == b.Target &&
		a.URL == b.URL &&
		a.AllowPrerelease == b.AllowPrerelease &&
		a.Soft == b.Soft &&
		a.Specifier.String() == b.Specifier.String()
}

func isPrereleaseOnly(c Candidate) bool {
	return !c.isDirectURL() && c.Version.IsPreRelease()
}

// isExactPinFor reports whether some edge requires exactly c's version (a bare "=="  clause, no
// other clauses alongside it), per PEP 592: a yanked release is still installable when a
// requirement pins it precisely, it is just excluded from every other kind of match.
func isExactPinFor(edges []informationEdge, c Candidate) bool {
	if c.isDirectURL() {
		return true // a direct-URL reference is always exact by construction
	}
	for _, e := range edges {
		spec := e.req.Specifier
		if len(spec) == 1 && spec[0].CmpOp == pep440.CmpOpStrictMatch && spec[0].Version.Cmp(c.Version) == 0 {
			return true
		}
	}
	return false
}

func satisfiesAll(c Candidate, edges []informationEdge) bool {
	for _, e := range edges {
		req := e.req
		if req.URL != "" {
			if !c.isDirectURL() || c.URL != req.URL {
				return false
			}
			continue
		}
		if c.isDirectURL() {
			return false
		}
		if len(req.Specifier) > 0 && !req.Specifier.Match(c.Version) {
			return false
		}
	}
	return true
}

// attemptToPin tries every candidate for id, most-preferred first, pinning the first one whose
// dependencies don't conflict with the rest of the current state.
func (s *search) attemptToPin(ctx context.Context, id Identifier) ([]string, error) {
	top := s.top()
	crit, _ := top.criteria.Get(id)
	var causes []string

	for i := 0; i < len(crit.candidates); i++ {
		p := crit.candidates[i]
		// dependenciesFor folds every edge this pin introduces into a private clone of the
		// current criteria; nothing is written back to the real state unless the whole
		// attempt succeeds, so a failed candidate leaves this round's state untouched for
		// the next candidate to try.
		work := top.criteria.Copy()
		if err := s.dependenciesFor(ctx, work, id, p); err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) {
				causes = append(causes, ce.Causes...)
				continue
			}
			return nil, err
		}

		st := s.top()
		st.mapping.Set(id, p)
		st.criteria = work
		return nil, nil
	}
	return causes, nil
}

// dependenciesFor fetches the dependency edges introduced by pinning id to p and folds every one
// of them into work in order, so that two Requires-Dist entries naming the same package within a
// single pin's dependency list are merged together rather than the second silently discarding
// the first's constraint.
func (s *search) dependenciesFor(ctx context.Context, work *criteria, id Identifier, p pin) error {
	base, extra := id.Split()
	candidates, err := s.r.candidatesFor(ctx, base)
	if err != nil {
		return err
	}
	var cand *Candidate
	for i := range candidates {
		if pinOf(candidates[i]) == p {
			cand = &candidates[i]
			break
		}
	}
	if cand == nil {
		return fmt.Errorf("resolve: internal error: pin %s for %s not found among candidates", p, id)
	}

	var activated map[string]bool
	if extra != "" {
		activated = map[string]bool{extra: true}
	}
	deps, err := s.r.provider.Dependencies(ctx, *cand, activated)
	if err != nil {
		return err
	}

	if extra != "" {
		// Implicit equality constraint: foo[bar]==V forces foo==V too.
		deps = append(deps, Requirement{Target: Identifier(base), Specifier: exactSpecifier(*cand), URL: cand.URL})
	}
	filtered := deps[:0]
	for _, dep := range deps {
		if dep.Target == id {
			continue // the implicit self-edge above shouldn't recurse
		}
		if u, ok := s.r.directURLs[string(dep.Target.Base())]; ok && dep.URL == "" {
			dep.URL = u
		} else if dep.URL != "" {
			s.r.directURLs[string(dep.Target.Base())] = dep.URL
		}
		filtered = append(filtered, dep)
	}
	deps = filtered

	for _, dep := range deps {
		target, crit, err := s.mergeIntoCriterion(ctx, work, dep, id, p, true)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		work.Put(target, crit)
	}
	return nil
}

func exactSpecifier(c Candidate) pep440.Specifier {
	if c.isDirectURL() {
		return nil
	}
	spec, err := pep440.ParseSpecifier("==" + c.Version.String())
	if err != nil {
		return nil
	}
	return spec
}

// backtrack winds the state stack back to the most recent point where the newly discovered
// incompatibility can be absorbed without emptying any criterion's candidate list, the way
// resolvelib.Resolution._backtrack does.
func (s *search) backtrack(ctx context.Context) (bool, error) {
	for len(s.states) >= 3 {
		s.states = s.states[:len(s.states)-1]
		broken := s.top()
		s.states = s.states[:len(s.states)-1]

		id, p := broken.mapping.Pop()

		type newIncompat struct {
			id   Identifier
			bads map[pin]bool
		}
		var fromBroken []newIncompat
		for _, cp := range *broken.criteria {
			fromBroken = append(fromBroken, newIncompat{id: cp.id, bads: cp.crit.incompatibilities})
		}
		fromBroken = append(fromBroken, newIncompat{id: id, bads: map[pin]bool{p: true}})

		s.pushCopy()
		ok := true
		for _, inc := range fromBroken {
			if len(inc.bads) == 0 {
				continue
			}
			crit, found := s.top().criteria.Get(inc.id)
			if !found {
				continue
			}
			merged := make(map[pin]bool, len(inc.bads)+len(crit.incompatibilities))
			for b := range inc.bads {
				merged[b] = true
			}
			for b := range crit.incompatibilities {
				merged[b] = true
			}
			var remaining []pin
			for _, c := range crit.candidates {
				if !merged[c] {
					remaining = append(remaining, c)
				}
			}
			if len(remaining) == 0 {
				ok = false
				break
			}
			newCrit := crit.copy()
			newCrit.incompatibilities = merged
			newCrit.candidates = remaining
			s.top().criteria.Put(inc.id, newCrit)
		}
		if ok {
			return true, nil
		}
		dlog.Debugf(ctx, "resolve: backtrack through %s=%s did not converge, unwinding further", id, p)
	}
	return false, nil
}

func conflictFor(id Identifier, edges []informationEdge) *ConflictError {
	var causes []string
	for _, e := range edges {
		parent := "root"
		if e.hasParent {
			parent = fmt.Sprintf("%s==%s", e.parentID, e.parentPin)
		}
		causes = append(causes, fmt.Sprintf("%s requires %s (from %s)", id, e.req, parent))
	}
	return &ConflictError{Causes: causes}
}
