package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webrunner-ai/webrunner/internal/gateway"
)

func TestSuggestFallbackSelector(t *testing.T) {
	a := NewSelectorAdvisor(zap.NewNop())
	failed := gateway.Action{
		Type: gateway.ActionClick,
		Params: map[string]interface{}{
			"selector":          "#submit",
			"fallback_selector": "button[type=submit]",
		},
	}
	p := a.Suggest(failed, gateway.Fail("element not found"), nil)
	require.NotNil(t, p)
	assert.Equal(t, gateway.ActionClick, p.Action.Type)
	assert.Equal(t, "button[type=submit]", p.Action.StringParam("selector"))
	assert.Empty(t, p.Action.StringParam("fallback_selector"))

	// Original action is untouched.
	assert.Equal(t, "#submit", failed.StringParam("selector"))
}

func TestNoFallbackMeansNoProposal(t *testing.T) {
	a := NewSelectorAdvisor(zap.NewNop())
	tests := []gateway.Action{
		{Type: gateway.ActionClick, Params: map[string]interface{}{"selector": "#x"}},
		{Type: gateway.ActionClick, Params: map[string]interface{}{"selector": "#x", "fallback_selector": "#x"}},
		{Type: gateway.ActionExtract},
		{Type: gateway.ActionCompleteText, Params: map[string]interface{}{"prompt": "p"}},
	}
	for _, failed := range tests {
		assert.Nil(t, a.Suggest(failed, gateway.Fail("nope"), nil), "action %s", failed.Type)
	}
}

func TestSuggestNavigateSchemeRepair(t *testing.T) {
	a := NewSelectorAdvisor(zap.NewNop())

	p := a.Suggest(gateway.Action{
		Type:   gateway.ActionNavigate,
		Params: map[string]interface{}{"url": "<example.com/page>"},
	}, gateway.Fail("invalid url"), nil)
	require.NotNil(t, p)
	assert.Equal(t, "https://example.com/page", p.Action.StringParam("url"))

	// Already-valid URLs get no proposal.
	assert.Nil(t, a.Suggest(gateway.Action{
		Type:   gateway.ActionNavigate,
		Params: map[string]interface{}{"url": "https://example.com"},
	}, gateway.Fail("timeout"), nil))
}

func TestNoneAdvisor(t *testing.T) {
	assert.Nil(t, None{}.Suggest(gateway.Action{Type: gateway.ActionClick}, gateway.Fail("x"), nil))
}
