package parser

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule maps description keywords to an action template. Params are static
// defaults; Parse overlays values lifted from the description itself.
type Rule struct {
	Keywords []string               `yaml:"keywords"`
	Action   string                 `yaml:"action"`
	Params   map[string]interface{} `yaml:"params,omitempty"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a rules file. An empty path returns DefaultRules.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parser rules: %w", err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s defines no rules", path)
	}
	for i, r := range rf.Rules {
		if len(r.Keywords) == 0 || r.Action == "" {
			return nil, fmt.Errorf("rule %d in %s needs keywords and an action", i, path)
		}
	}
	return rf.Rules, nil
}

// DefaultRules covers the built-in step vocabulary. The selector defaults for
// extraction mirror the generic page layout: headline, main content,
// paragraphs.
func DefaultRules() []Rule {
	return []Rule{
		{
			Keywords: []string{"navigate", "go to", "open ", "visit"},
			Action:   "navigate",
		},
		{
			Keywords: []string{"extract", "scrape", "read the page", "collect"},
			Action:   "extract",
			Params: map[string]interface{}{
				"selectors": map[string]string{
					"title":        "h1, title",
					"main_content": "main, body",
					"paragraphs":   "p",
				},
			},
		},
		{
			Keywords: []string{"click", "press", "select the"},
			Action:   "click",
			// Retried by recovery when the primary selector misses.
			Params: map[string]interface{}{
				"fallback_selector": "button, input[type=submit], a",
			},
		},
		{
			Keywords: []string{"fill", "enter ", "type in"},
			Action:   "fill",
		},
		{
			Keywords: []string{"screenshot", "capture the page"},
			Action:   "screenshot",
		},
		{
			Keywords: []string{"close the browser", "close the session"},
			Action:   "close",
		},
		{
			Keywords: []string{"summarize", "summarise", "categorize", "categorise", "analyze", "analyse"},
			Action:   "complete_text",
		},
	}
}
