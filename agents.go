package loom

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Default agent names seeded on startup.
const (
	DefaultPlannerAgentName = "dag-planner"
	DefaultTitleAgentName   = "dag-title"
)

// Agent is a stored prompt configuration. Rows are operator-editable; the
// planner uses whatever record it is handed.
type Agent struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	SystemPrompt string           `json:"system_prompt"`
	Gen          GenerationParams `json:"generation"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RenderPrompt substitutes the {{tools}} and {{currentDate}} placeholders in
// an agent prompt template.
func RenderPrompt(template, toolsJSON string, now time.Time) string {
	out := strings.ReplaceAll(template, "{{tools}}", toolsJSON)
	out = strings.ReplaceAll(out, "{{currentDate}}", now.UTC().Format(time.RFC3339))
	return out
}

const plannerSystemPrompt = `You are a planning engine. Decompose the user's goal into a directed acyclic graph (DAG) of sub-tasks that, executed in dependency order, accomplish the goal.

Current date: {{currentDate}}

Available tools (JSON catalogue):
{{tools}}

Respond with exactly one fenced code block tagged json containing a single JSON object of this shape:

` + "```json" + `
{
  "original_request": "<the user's goal, verbatim>",
  "intent": {
    "primary": "<one sentence: what the user wants>",
    "sub_intents": ["<optional finer-grained intents>"]
  },
  "entities": [
    {"name": "<noun from the goal>", "type": "<kind>", "grounded_value": "<concrete value if known>"}
  ],
  "sub_tasks": [
    {
      "id": "1",
      "description": "<what this task does>",
      "thought": "<why this task is needed>",
      "expected_output": "<what it should produce>",
      "action_type": "tool",
      "tool_or_prompt": {"name": "<catalogue tool name>", "params": {}},
      "dependencies": ["none"]
    }
  ],
  "synthesis_plan": "<how to combine all task results into the final answer>",
  "validation": {
    "coverage": "high",
    "gaps": [],
    "iteration_triggers": []
  },
  "clarification_needed": false,
  "clarification_query": ""
}
` + "```" + `

Rules:
- Every sub-task id is a string. "dependencies" lists the ids of tasks whose results this task needs, or the single literal "none" when it needs nothing.
- The dependency graph must be acyclic. Independent tasks run in parallel; only add a dependency when the task genuinely consumes the other task's output.
- To feed one task's result into another task's params, embed the placeholder <Results from Task N> (N = the producing task's id) inside a string value. The executor substitutes it at run time.
- action_type "tool": tool_or_prompt.name must be a name from the catalogue above and params must satisfy that tool's parameter schema.
- action_type "inference": the task is a reasoning step. tool_or_prompt.name is a short label and params.prompt carries the instruction text (placeholders allowed).
- Assess your own plan in "validation": coverage "high" only when the sub-tasks fully cover the goal. If anything is missing, set coverage "medium" or "low" and name each missing piece in "gaps".
- If the goal is too ambiguous to plan at all, set clarification_needed to true, write one precise question in clarification_query and leave sub_tasks empty.
- Output nothing outside the fenced json block.`

const titleSystemPrompt = `Write a short title (at most 80 characters) for the user's request. Respond with the title only: one line, no quotes, no trailing punctuation.`

// DefaultAgents returns the seed records for the planner and title agents.
func DefaultAgents() []*Agent {
	return []*Agent{
		{
			Name:         DefaultPlannerAgentName,
			Description:  "Decomposes a goal into a DAG of sub-tasks",
			SystemPrompt: plannerSystemPrompt,
			Gen: GenerationParams{
				Temperature: ptr(0.1),
				MaxTokens:   ptr(8192),
			},
		},
		{
			Name:         DefaultTitleAgentName,
			Description:  "Generates a one-line title for a request",
			SystemPrompt: titleSystemPrompt,
			Gen: GenerationParams{
				Temperature: ptr(0.3),
				MaxTokens:   ptr(64),
			},
		},
	}
}

// SeedAgents inserts the default agents when missing. Existing rows are left
// untouched so operator edits survive restarts.
func SeedAgents(ctx context.Context, s Store) error {
	now := time.Now().UTC()
	for _, a := range DefaultAgents() {
		_, err := s.GetAgent(ctx, a.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		a.CreatedAt = now
		a.UpdatedAt = now
		if err := s.StoreAgent(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
