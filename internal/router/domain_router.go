// Package router implements DomainRouter: the exact/suffix/keyword rule
// matcher that maps a destination domain to a RouteAction.
package router

import (
	"strings"

	"vlesscore/internal/core"
	"vlesscore/internal/vlessconfig"
)

// RuleType is the kind of domain pattern a Rule carries.
type RuleType int

const (
	RuleDomain RuleType = iota
	RuleDomainSuffix
	RuleDomainKeyword
)

// ActionKind tags a RouteAction as Direct or Proxy(configID).
type ActionKind int

const (
	ActionDirect ActionKind = iota
	ActionProxy
)

// RouteAction is the resolved routing decision for a domain: either Direct
// or Proxy to a specific VlessConfig by its UUID.
type RouteAction struct {
	Kind     ActionKind
	ConfigID string // set iff Kind == ActionProxy
}

// IsDirect reports whether the action is Direct.
func (a RouteAction) IsDirect() bool { return a.Kind == ActionDirect }

// Rule is one entry of routing.json's "rules" array (§6), flattened: each
// DomainRule the JSON document nests under a rule becomes one Rule here,
// all sharing the same Action.
type Rule struct {
	Type   RuleType
	Value  string
	Action RouteAction
}

// domainTrieNode is a node in the reversed-label suffix trie used to match
// "domain" and "domainSuffix" rules — walking labels TLD-first lets a single
// trie serve both "exact domain" and "suffix" matching (spec.md's "exact
// equality or '.'+suffix trailing match" collapses to "this label path was
// inserted, or a prefix of it was").
type domainTrieNode struct {
	children map[string]*domainTrieNode
	action   *RouteAction // non-nil for terminal matches
	seq      int          // insertion order of action, for first-inserted-wins
}

// DomainRouter is the compiled rule set: exact map, suffix trie, keyword
// list, plus the config_id → VlessConfig lookup table (§3).
type DomainRouter struct {
	exact    map[string]RouteAction
	suffix   *domainTrieNode
	keywords []keywordRule
	configs  map[string]*vlessconfig.VlessConfig
	nextSeq  int
}

type keywordRule struct {
	keyword string
	action  RouteAction
}

// New compiles a DomainRouter from rules and the config lookup table.
// First-inserted rule wins within the same rule type (matches spec.md's
// round-trip/idempotence invariant on router construction).
func New(rules []Rule, configs map[string]*vlessconfig.VlessConfig) *DomainRouter {
	r := &DomainRouter{
		exact:   make(map[string]RouteAction),
		suffix:  &domainTrieNode{},
		configs: configs,
	}
	for _, rule := range rules {
		value := strings.ToLower(rule.Value)
		if value == "" {
			continue
		}
		switch rule.Type {
		case RuleDomain:
			if _, ok := r.exact[value]; !ok {
				r.exact[value] = rule.Action
			}
		case RuleDomainSuffix:
			r.insertSuffix(value, rule.Action)
		case RuleDomainKeyword:
			r.keywords = append(r.keywords, keywordRule{keyword: value, action: rule.Action})
		}
	}
	core.Log.Infof("Router", "compiled %d exact, %d keyword rules", len(r.exact), len(r.keywords))
	return r
}

func (r *DomainRouter) insertSuffix(domain string, action RouteAction) {
	labels := strings.Split(domain, ".")
	node := r.suffix
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		if label == "" {
			continue
		}
		if node.children == nil {
			node.children = make(map[string]*domainTrieNode)
		}
		child, ok := node.children[label]
		if !ok {
			child = &domainTrieNode{}
			node.children[label] = child
		}
		node = child
	}
	if node.action == nil {
		a := action
		node.action = &a
		node.seq = r.nextSeq
		r.nextSeq++
	}
}

// lookupSuffix walks the reversed-label path for domain and returns the
// action of whichever matching ancestor node was inserted first (lowest
// seq), not the most specific one: spec.md's "first-inserted wins within
// the same rule type" applies across suffix depths, so a broader rule
// registered before a more specific one still wins over it.
func (r *DomainRouter) lookupSuffix(domain string) *RouteAction {
	labels := strings.Split(domain, ".")
	node := r.suffix
	var best *RouteAction
	bestSeq := -1
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		if label == "" {
			continue
		}
		child, ok := node.children[label]
		if !ok {
			break
		}
		node = child
		if node.action != nil && (best == nil || node.seq < bestSeq) {
			best = node.action
			bestSeq = node.seq
		}
	}
	return best
}

// Match resolves a domain to a RouteAction. Match order: exact, then
// suffix (domain itself or any subdomain), then keyword (substring). All
// comparisons are lowercase. Returns ok=false if nothing matched.
func (r *DomainRouter) Match(domain string) (RouteAction, bool) {
	if r == nil {
		return RouteAction{}, false
	}
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == "" {
		return RouteAction{}, false
	}

	if action, ok := r.exact[domain]; ok {
		return action, true
	}
	if action := r.lookupSuffix(domain); action != nil {
		return *action, true
	}
	for _, kw := range r.keywords {
		if strings.Contains(domain, kw.keyword) {
			return kw.action, true
		}
	}
	return RouteAction{}, false
}

// IsEmpty reports whether the router has no rules at all.
func (r *DomainRouter) IsEmpty() bool {
	if r == nil {
		return true
	}
	return len(r.exact) == 0 && len(r.keywords) == 0 && len(r.suffix.children) == 0
}

// ConfigFor resolves a RouteAction's config_id to a VlessConfig. The second
// return is false if the action is Direct or the id is unknown (§4.7 step 5:
// "if Proxy(id) and the id is unknown, log-and-fall-through").
func (r *DomainRouter) ConfigFor(action RouteAction) (*vlessconfig.VlessConfig, bool) {
	if action.Kind != ActionProxy {
		return nil, false
	}
	cfg, ok := r.configs[action.ConfigID]
	return cfg, ok
}
