package recovery

import (
	"strings"

	"go.uber.org/zap"

	"github.com/webrunner-ai/webrunner/internal/gateway"
)

// Proposal is a single suggested retry for a failed action.
type Proposal struct {
	Action gateway.Action
	Reason string
}

// Advisor proposes at most one alternate action after a gateway failure. It
// never retries on the caller's behalf; the step executor decides whether to
// apply a proposal.
type Advisor interface {
	Suggest(failed gateway.Action, result gateway.Result, history []string) *Proposal
}

// SelectorAdvisor is the default advisor. It knows two recoveries: clicking a
// declared fallback selector, and repairing a URL that is missing its scheme
// or wrapped in angle brackets. Anything else is unrecoverable at this layer.
type SelectorAdvisor struct {
	logger *zap.Logger
}

func NewSelectorAdvisor(logger *zap.Logger) *SelectorAdvisor {
	return &SelectorAdvisor{logger: logger}
}

func (a *SelectorAdvisor) Suggest(failed gateway.Action, result gateway.Result, _ []string) *Proposal {
	switch failed.Type {
	case gateway.ActionClick:
		fallback := failed.StringParam("fallback_selector")
		if fallback == "" || fallback == failed.StringParam("selector") {
			return nil
		}
		a.logger.Debug("Proposing fallback selector",
			zap.String("selector", failed.StringParam("selector")),
			zap.String("fallback", fallback),
		)
		retry := failed.WithParam("selector", fallback)
		delete(retry.Params, "fallback_selector")
		return &Proposal{
			Action: retry,
			Reason: "retry click with fallback selector " + fallback,
		}
	case gateway.ActionNavigate:
		url := failed.StringParam("url")
		cleaned := strings.Trim(strings.TrimSpace(url), "<>")
		if cleaned != "" && !strings.HasPrefix(cleaned, "http://") && !strings.HasPrefix(cleaned, "https://") {
			cleaned = "https://" + cleaned
		}
		if cleaned == "" || cleaned == url {
			return nil
		}
		return &Proposal{
			Action: failed.WithParam("url", cleaned),
			Reason: "retry navigation with normalized URL " + cleaned,
		}
	default:
		return nil
	}
}

// None is an advisor that never proposes recovery. Useful for direct runs
// where a scripted action either works or fails outright.
type None struct{}

func (None) Suggest(gateway.Action, gateway.Result, []string) *Proposal { return nil }
