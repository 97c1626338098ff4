package manager

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/webrunner-ai/webrunner/internal/agentloop"
	"github.com/webrunner-ai/webrunner/internal/executor"
	"github.com/webrunner-ai/webrunner/internal/gateway"
	"github.com/webrunner-ai/webrunner/internal/parser"
	"github.com/webrunner-ai/webrunner/internal/streaming"
	"github.com/webrunner-ai/webrunner/internal/task"
)

// Selector sets used by the scripted runs. Matching what the extraction
// capability understands keeps direct runs useful on arbitrary pages.
var (
	scrapeSelectors = map[string]interface{}{
		"main_content": "main, body",
		"title":        "h1, title",
		"paragraphs":   "p",
	}
	extractionSelectors = map[string]interface{}{
		"main_content": "main, body",
		"title":        "h1, title",
	}
)

// runDirect executes one of the scripted automation runs: a fixed action
// sequence derived from the task type instead of a reasoning loop. The same
// step executor and capability gateway are used, so recovery and session
// continuity behave identically to goal-driven runs.
func (m *Manager) runDirect(ctx context.Context, id string, in task.Input, canceled func() bool) (map[string]interface{}, error) {
	session := &executor.Session{}
	defer m.closeSession(ctx, id, session)

	nav := m.runStep(ctx, id, session, executor.Step{
		Number:      1,
		Description: fmt.Sprintf("navigate to %s", in.URL),
		Actions: []gateway.Action{{
			Type:   gateway.ActionNavigate,
			Params: map[string]interface{}{"url": in.URL},
		}},
	})
	if nav.Failed {
		return nil, fmt.Errorf("failed to navigate to %s: %s", in.URL, nav.Output)
	}
	if canceled() {
		return nil, fmt.Errorf("%w before %s run body", agentloop.ErrCanceled, in.TaskType)
	}

	switch in.TaskType {
	case task.TypeWebScrape:
		return m.runWebScrape(ctx, id, session)
	case task.TypeFormFill:
		return m.runFormFill(ctx, id, session, in.Description)
	case task.TypeDataExtraction:
		return m.runDataExtraction(ctx, id, session)
	default:
		return nil, fmt.Errorf("unknown task type %q", in.TaskType)
	}
}

func (m *Manager) runWebScrape(ctx context.Context, id string, session *executor.Session) (map[string]interface{}, error) {
	step := m.runStep(ctx, id, session, executor.Step{
		Number:      2,
		Description: "extract page content",
		Actions: []gateway.Action{{
			Type:   gateway.ActionExtract,
			Params: map[string]interface{}{"selectors": scrapeSelectors},
		}},
	})
	if step.Failed {
		return nil, fmt.Errorf("failed to extract page content: %s", step.Output)
	}

	result := map[string]interface{}{
		"title": stringField(step.Data, "title", "No title found"),
	}
	content := stringField(step.Data, "main_content", "")
	if content == "" {
		result["error"] = "could not extract main content"
		return result, nil
	}

	summary, err := m.complete(ctx, summarizePrompt(content))
	if err != nil {
		return nil, fmt.Errorf("summarization failed: %w", err)
	}
	result["summary"] = summary
	return result, nil
}

func (m *Manager) runFormFill(ctx context.Context, id string, session *executor.Session, description string) (map[string]interface{}, error) {
	fields := parser.ParseFormData(description)
	if len(fields) == 0 {
		return map[string]interface{}{
			"success": false,
			"message": "no valid form data found in description",
		}, nil
	}

	form := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		form[k] = v
	}
	step := m.runStep(ctx, id, session, executor.Step{
		Number:      2,
		Description: fmt.Sprintf("fill %d form fields", len(fields)),
		Actions: []gateway.Action{{
			Type:   gateway.ActionFill,
			Params: map[string]interface{}{"form_data": form},
		}},
	})
	if step.Failed {
		return map[string]interface{}{
			"success": false,
			"message": "failed to fill form: " + step.Output,
		}, nil
	}
	return map[string]interface{}{
		"success":       true,
		"message":       "form filled successfully",
		"fields_filled": len(fields),
	}, nil
}

func (m *Manager) runDataExtraction(ctx context.Context, id string, session *executor.Session) (map[string]interface{}, error) {
	step := m.runStep(ctx, id, session, executor.Step{
		Number:      2,
		Description: "extract page content",
		Actions: []gateway.Action{{
			Type:   gateway.ActionExtract,
			Params: map[string]interface{}{"selectors": extractionSelectors},
		}},
	})
	if step.Failed {
		return nil, fmt.Errorf("failed to extract page content: %s", step.Output)
	}

	result := map[string]interface{}{
		"title": stringField(step.Data, "title", "No title found"),
	}
	content := stringField(step.Data, "main_content", "")
	if content == "" {
		result["message"] = "could not determine content category"
		return result, nil
	}

	category, err := m.complete(ctx, categorizePrompt(content))
	if err != nil {
		return nil, fmt.Errorf("categorization failed: %w", err)
	}
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		result["message"] = "could not determine content category"
		return result, nil
	}

	extracted, err := m.complete(ctx, extractInfoPrompt(content, category))
	if err != nil {
		return nil, fmt.Errorf("key information extraction failed: %w", err)
	}
	result["category"] = category
	result["extracted_information"] = extracted
	return result, nil
}

// runStep runs one step through the executor and publishes its outcome.
func (m *Manager) runStep(ctx context.Context, id string, session *executor.Session, step executor.Step) executor.Step {
	done := m.exec.ExecuteStep(ctx, step, session, nil)
	m.pub.Publish(id, streaming.Event{
		TaskID:  id,
		Type:    streaming.EventStepComplete,
		Message: done.Description,
		Data: map[string]interface{}{
			"step":        done.Number,
			"description": done.Description,
			"output":      done.Output,
			"failed":      done.Failed,
		},
	})
	return done
}

// complete sends a single text completion through the gateway and returns the
// raw model text.
func (m *Manager) complete(ctx context.Context, prompt string) (string, error) {
	res := m.gw.Invoke(ctx, gateway.Action{
		Type:   gateway.ActionCompleteText,
		Params: map[string]interface{}{"prompt": prompt},
	}, "")
	if !res.Success {
		return "", fmt.Errorf("completion failed: %s", res.Error)
	}
	text, _ := res.Data["text"].(string)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("completion returned no text")
	}
	return text, nil
}

func (m *Manager) closeSession(ctx context.Context, id string, session *executor.Session) {
	if session.Token == "" {
		return
	}
	res := m.gw.Invoke(ctx, gateway.Action{Type: gateway.ActionClose}, session.Token)
	if !res.Success {
		m.logger.Warn("failed to close browser session")
	}
}

func stringField(data map[string]interface{}, key, fallback string) string {
	if s, ok := data[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

func summarizePrompt(content string) string {
	return "Summarize the following web page content in a few sentences. " +
		"Reply with the summary only.\n\n" + clip(content, 6000)
}

func categorizePrompt(content string) string {
	return "Classify the following web page content into a single category " +
		"such as news, product, documentation, blog, or forum. " +
		"Reply with the category name only.\n\n" + clip(content, 6000)
}

func extractInfoPrompt(content, category string) string {
	return fmt.Sprintf("Extract the key information from the following %s content. "+
		"Reply with the key facts as short lines.\n\n%s", category, clip(content, 6000))
}

// clip truncates s to at most max bytes without splitting a rune.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
