package router

import (
	"sort"
	"strings"
)

// Snapshot is an immutable view of the full rule set, organized for the
// two-phase four-tier lookup. A Router swaps its active Snapshot pointer
// atomically, so in-flight lookups never observe a torn rule set.
type Snapshot struct {
	blockExact   map[string]Rule
	blockWild    []Rule // sorted longest-suffix-first
	blockRegex   []Rule
	blockGlobal  *Rule

	fwdExact  map[string]Rule
	fwdWild   []Rule
	fwdRegex  []Rule
	fwdGlobal *Rule

	ruleCount int
}

// NewSnapshot builds an immutable Snapshot from a flat rule list. Rules are
// bucketed first by phase (block vs forward) and then by tier.
func NewSnapshot(rules []Rule) *Snapshot {
	s := &Snapshot{
		blockExact: make(map[string]Rule),
		fwdExact:   make(map[string]Rule),
	}

	for _, r := range rules {
		switch r.phase() {
		case PhaseBlock:
			s.addTo(r, &s.blockExact, &s.blockWild, &s.blockRegex, &s.blockGlobal)
		case PhaseForward:
			s.addTo(r, &s.fwdExact, &s.fwdWild, &s.fwdRegex, &s.fwdGlobal)
		}
	}

	sortBySuffixLength(s.blockWild)
	sortBySuffixLength(s.fwdWild)

	s.ruleCount = len(rules)
	return s
}

func (s *Snapshot) addTo(r Rule, exact *map[string]Rule, wild, rx *[]Rule, global **Rule) {
	switch r.Tier {
	case TierExact:
		(*exact)[r.Pattern] = r
	case TierWildcard:
		*wild = append(*wild, r)
	case TierRegex:
		*rx = append(*rx, r)
	case TierGlobalWildcard:
		rc := r
		*global = &rc
	}
}

// sortBySuffixLength orders longer (more specific) suffixes first; the
// stable sort keeps declaration order among equal-length suffixes so the
// first declared rule still wins its tier.
func sortBySuffixLength(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Pattern) > len(rules[j].Pattern)
	})
}

// Lookup resolves name (already lowercased, FQDN form) against the snapshot,
// running the block phase first and the forward phase second, each checked
// exact → wildcard (longest suffix) → regex → global wildcard.
func (s *Snapshot) Lookup(name string) (Rule, bool) {
	if r, ok := lookupPhase(name, s.blockExact, s.blockWild, s.blockRegex, s.blockGlobal); ok {
		return r, true
	}
	return lookupPhase(name, s.fwdExact, s.fwdWild, s.fwdRegex, s.fwdGlobal)
}

func lookupPhase(name string, exact map[string]Rule, wild, rx []Rule, global *Rule) (Rule, bool) {
	trimmed := strings.TrimSuffix(name, ".")

	if r, ok := exact[trimmed]; ok {
		return r, true
	}

	for _, r := range wild {
		suffix := strings.TrimPrefix(r.Pattern, "*")
		apex := strings.TrimPrefix(suffix, ".")
		if trimmed == apex || strings.HasSuffix(trimmed, suffix) {
			return r, true
		}
	}

	for _, r := range rx {
		if r.Regex != nil && r.Regex.MatchString(trimmed) {
			return r, true
		}
	}

	if global != nil {
		return *global, true
	}

	return Rule{}, false
}

// RuleCount returns the total number of rules folded into the snapshot.
func (s *Snapshot) RuleCount() int { return s.ruleCount }
