package settings

import (
	"encoding/json"
	"fmt"
	"os"

	"vlesscore/internal/engine"
	"vlesscore/internal/router"
	"vlesscore/internal/vlessconfig"
)

// routingDocument mirrors routing.json's wire schema (§6) exactly;
// encoding/json is used here (not yaml.v3) because this schema is a fixed
// wire contract with the config editor, not a free design choice.
type routingDocument struct {
	Rules []struct {
		Action      string `json:"action"`
		ConfigID    string `json:"configId"`
		DomainRules []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"domainRules"`
	} `json:"rules"`
	Configs map[string]map[string]any `json:"configs"`
}

var domainRuleTypes = map[string]router.RuleType{
	"domain":        router.RuleDomain,
	"domainSuffix":  router.RuleDomainSuffix,
	"domainKeyword": router.RuleDomainKeyword,
}

// LoadRouting reads routing.json from path and flattens it into the
// []router.Rule + config map shape router.New and engine.Engine consume:
// each DomainRule nested under a rule becomes its own router.Rule sharing
// that rule's RouteAction.
func LoadRouting(path string) ([]router.Rule, map[string]*vlessconfig.VlessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("settings: read routing %s: %w", path, err)
	}
	var doc routingDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("settings: parse routing %s: %w", path, err)
	}

	configs := make(map[string]*vlessconfig.VlessConfig, len(doc.Configs))
	for id, dict := range doc.Configs {
		cfg, err := vlessconfig.FromDict(dict)
		if err != nil {
			return nil, nil, fmt.Errorf("settings: config %s: %w", id, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: config %s: %s", engine.ErrConfigInvalid, id, err)
		}
		configs[id] = cfg
	}

	var rules []router.Rule
	for _, r := range doc.Rules {
		action := router.RouteAction{Kind: router.ActionDirect}
		if r.Action == "proxy" {
			if _, ok := configs[r.ConfigID]; !ok {
				return nil, nil, fmt.Errorf("%w: rule references unknown configId %q", engine.ErrConfigInvalid, r.ConfigID)
			}
			action = router.RouteAction{Kind: router.ActionProxy, ConfigID: r.ConfigID}
		}
		for _, dr := range r.DomainRules {
			ruleType, ok := domainRuleTypes[dr.Type]
			if !ok {
				return nil, nil, fmt.Errorf("%w: unknown domain rule type %q", engine.ErrConfigInvalid, dr.Type)
			}
			rules = append(rules, router.Rule{Type: ruleType, Value: dr.Value, Action: action})
		}
	}
	return rules, configs, nil
}
