package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/webrunner-ai/webrunner/internal/gateway"
)

// Strategy derives the ordered list of external actions a step description
// calls for. The orchestration core only consumes the action list; how it is
// produced is pluggable.
type Strategy interface {
	Parse(description string) []gateway.Action
}

// Func adapts a plain function to a Strategy.
type Func func(description string) []gateway.Action

func (f Func) Parse(description string) []gateway.Action { return f(description) }

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')]+|\bwww\.[^\s<>"')]+`)

// quoted selectors: click 'button.primary' / click "#submit"
var selectorPattern = regexp.MustCompile(`['"]([^'"]+)['"]`)

// RuleParser matches keyword rules against a step description and emits the
// corresponding action templates, enriched with values lifted from the text
// (URLs, quoted selectors, field=value pairs). Rules are matched in order of
// their first keyword occurrence so "navigate to X then extract Y" produces
// navigate before extract.
type RuleParser struct {
	rules []Rule
}

// NewRuleParser creates a parser over the given rules; nil means DefaultRules.
func NewRuleParser(rules []Rule) *RuleParser {
	if rules == nil {
		rules = DefaultRules()
	}
	return &RuleParser{rules: rules}
}

type match struct {
	pos    int
	action gateway.Action
}

// Parse implements Strategy.
func (p *RuleParser) Parse(description string) []gateway.Action {
	lower := strings.ToLower(description)
	var matches []match
	for _, rule := range p.rules {
		pos := -1
		for _, kw := range rule.Keywords {
			if i := strings.Index(lower, strings.ToLower(kw)); i >= 0 && (pos < 0 || i < pos) {
				pos = i
			}
		}
		if pos < 0 {
			continue
		}
		matches = append(matches, match{pos: pos, action: p.build(rule, description)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })

	actions := make([]gateway.Action, 0, len(matches))
	for _, m := range matches {
		actions = append(actions, m.action)
	}
	return actions
}

// build instantiates a rule's action template with values from the text.
func (p *RuleParser) build(rule Rule, description string) gateway.Action {
	params := make(map[string]interface{}, len(rule.Params)+1)
	for k, v := range rule.Params {
		params[k] = v
	}

	switch gateway.ActionType(rule.Action) {
	case gateway.ActionNavigate:
		if url := urlPattern.FindString(description); url != "" {
			if strings.HasPrefix(url, "www.") {
				url = "https://" + url
			}
			params["url"] = url
		}
	case gateway.ActionClick:
		if m := selectorPattern.FindStringSubmatch(description); m != nil {
			params["selector"] = m[1]
		}
	case gateway.ActionFill:
		if form := ParseFormData(description); len(form) > 0 {
			params["form_data"] = form
		}
	case gateway.ActionCompleteText:
		if _, ok := params["prompt"]; !ok {
			params["prompt"] = description
		}
	}
	return gateway.Action{Type: gateway.ActionType(rule.Action), Params: params}
}

// ParseFormData extracts "field=value,field2=value2" pairs from free text.
// Returns nil when the text carries no such pairs.
func ParseFormData(text string) map[string]string {
	if !strings.Contains(text, "=") {
		return nil
	}
	form := make(map[string]string)
	for _, part := range strings.Split(text, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		// "please fill name=bob": take the last token as the field name.
		if fields := strings.Fields(k); len(fields) > 1 {
			k = fields[len(fields)-1]
		}
		if k != "" && v != "" {
			form[k] = v
		}
	}
	if len(form) == 0 {
		return nil
	}
	return form
}
