package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webrunner-ai/webrunner/internal/gateway"
)

func TestParseNavigateThenExtract(t *testing.T) {
	p := NewRuleParser(nil)
	actions := p.Parse("Navigate to https://example.com and extract the article text")
	require.Len(t, actions, 2)

	assert.Equal(t, gateway.ActionNavigate, actions[0].Type)
	assert.Equal(t, "https://example.com", actions[0].StringParam("url"))

	assert.Equal(t, gateway.ActionExtract, actions[1].Type)
	selectors := actions[1].MapParam("selectors")
	assert.Equal(t, "h1, title", selectors["title"])
}

func TestParseOrderFollowsText(t *testing.T) {
	p := NewRuleParser(nil)
	actions := p.Parse(`extract the headline after you navigate to https://example.com`)
	require.Len(t, actions, 2)
	// "extract" appears first in the text, so it comes first.
	assert.Equal(t, gateway.ActionExtract, actions[0].Type)
	assert.Equal(t, gateway.ActionNavigate, actions[1].Type)
}

func TestParseClickSelector(t *testing.T) {
	p := NewRuleParser(nil)
	actions := p.Parse(`click the "#load-more" button`)
	require.Len(t, actions, 1)
	assert.Equal(t, gateway.ActionClick, actions[0].Type)
	assert.Equal(t, "#load-more", actions[0].StringParam("selector"))
}

func TestParseClickCarriesFallbackSelector(t *testing.T) {
	p := NewRuleParser(nil)
	actions := p.Parse(`click the "#load-more" button`)
	require.Len(t, actions, 1)

	fb := actions[0].StringParam("fallback_selector")
	assert.NotEmpty(t, fb)
	assert.NotEqual(t, actions[0].StringParam("selector"), fb)
}

func TestParseFillForm(t *testing.T) {
	p := NewRuleParser(nil)
	actions := p.Parse("fill username=alice, password=hunter2")
	require.Len(t, actions, 1)
	assert.Equal(t, gateway.ActionFill, actions[0].Type)
	form := actions[0].MapParam("form_data")
	assert.Equal(t, "alice", form["username"])
	assert.Equal(t, "hunter2", form["password"])
}

func TestParseSummarizeBecomesCompletion(t *testing.T) {
	p := NewRuleParser(nil)
	actions := p.Parse("Summarize the page content in two sentences")
	require.Len(t, actions, 1)
	assert.Equal(t, gateway.ActionCompleteText, actions[0].Type)
	assert.Contains(t, actions[0].StringParam("prompt"), "Summarize")
}

func TestParseUnknownDescription(t *testing.T) {
	p := NewRuleParser(nil)
	assert.Empty(t, p.Parse("ponder the meaning of life"))
}

func TestParseWWWURLGetsScheme(t *testing.T) {
	p := NewRuleParser(nil)
	actions := p.Parse("go to www.example.com")
	require.Len(t, actions, 1)
	assert.Equal(t, "https://www.example.com", actions[0].StringParam("url"))
}

func TestParseFormData(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]string
	}{
		{"pairs", "a=1,b=2", map[string]string{"a": "1", "b": "2"}},
		{"leading words", "fill name=bob, email=b@x.io", map[string]string{"name": "bob", "email": "b@x.io"}},
		{"no pairs", "nothing to see", nil},
		{"dangling equals", "a=", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFormData(tt.in))
		})
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	body := []byte(`
rules:
  - keywords: ["download"]
    action: extract
    params:
      selectors:
        file: "a.download"
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	p := NewRuleParser(rules)
	actions := p.Parse("download the report")
	require.Len(t, actions, 1)
	assert.Equal(t, gateway.ActionExtract, actions[0].Type)
	assert.Equal(t, "a.download", actions[0].MapParam("selectors")["file"])
}

func TestLoadRulesValidation(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("rules: []"), 0o644))
	_, err := LoadRules(empty)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules:\n  - action: click"), 0o644))
	_, err = LoadRules(bad)
	assert.Error(t, err)

	// Empty path means built-in defaults.
	rules, err := LoadRules("")
	require.NoError(t, err)
	assert.NotEmpty(t, rules)
}
