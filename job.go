package loom

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Coverage verdicts the planner model assigns to its own plan.
const (
	CoverageLow    = "low"
	CoverageMedium = "medium"
	CoverageHigh   = "high"
)

// Sub-task action types.
const (
	ActionTool      = "tool"
	ActionInference = "inference"
)

// DependencyNone is the sentinel dependency meaning "no prerequisites".
const DependencyNone = "none"

// Intent captures what the user is trying to achieve.
type Intent struct {
	Primary    string   `json:"primary"`
	SubIntents []string `json:"sub_intents,omitempty"`
}

// Entity is a grounded noun the planner extracted from the goal.
type Entity struct {
	Name          string `json:"name"`
	Type          string `json:"type,omitempty"`
	GroundedValue string `json:"grounded_value,omitempty"`
}

// ToolOrPrompt names what a sub-task runs: a registry tool (action_type
// "tool") or a prompt identifier (action_type "inference"), with its params.
type ToolOrPrompt struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// SubTask is a single node of the planned DAG.
type SubTask struct {
	ID             string       `json:"id"`
	Description    string       `json:"description"`
	Thought        string       `json:"thought,omitempty"`
	ExpectedOutput string       `json:"expected_output,omitempty"`
	ActionType     string       `json:"action_type"`
	ToolOrPrompt   ToolOrPrompt `json:"tool_or_prompt"`
	Dependencies   []string     `json:"dependencies"`
}

// Deps returns the real prerequisites: the "none" sentinel and empty
// strings are filtered out.
func (t SubTask) Deps() []string {
	var deps []string
	for _, d := range t.Dependencies {
		if d == "" || d == DependencyNone {
			continue
		}
		deps = append(deps, d)
	}
	return deps
}

// Validation is the planner model's self-assessment of plan quality.
type Validation struct {
	Coverage          string   `json:"coverage"`
	Gaps              []string `json:"gaps,omitempty"`
	IterationTriggers []string `json:"iteration_triggers,omitempty"`
}

// Job is the structured artifact produced by the Planner: the DAG to
// execute. Immutable once persisted.
type Job struct {
	OriginalRequest     string     `json:"original_request"`
	Intent              Intent     `json:"intent"`
	Entities            []Entity   `json:"entities,omitempty"`
	SubTasks            []SubTask  `json:"sub_tasks"`
	SynthesisPlan       string     `json:"synthesis_plan"`
	Validation          Validation `json:"validation"`
	ClarificationNeeded bool       `json:"clarification_needed,omitempty"`
	ClarificationQuery  string     `json:"clarification_query,omitempty"`
}

// jobSchemaJSON is the structural contract the planner model's response must
// satisfy before the Job is unmarshalled. Semantic rules (dependency
// references, acyclicity) are checked separately by Job.Validate.
const jobSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["original_request", "intent", "validation"],
  "properties": {
    "original_request": {"type": "string"},
    "intent": {
      "type": "object",
      "required": ["primary"],
      "properties": {
        "primary": {"type": "string"},
        "sub_intents": {"type": "array", "items": {"type": "string"}}
      }
    },
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"},
          "grounded_value": {"type": "string"}
        }
      }
    },
    "sub_tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "description", "action_type", "tool_or_prompt", "dependencies"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "thought": {"type": "string"},
          "expected_output": {"type": "string"},
          "action_type": {"enum": ["tool", "inference"]},
          "tool_or_prompt": {
            "type": "object",
            "required": ["name"],
            "properties": {
              "name": {"type": "string"},
              "params": {"type": "object"}
            }
          },
          "dependencies": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "synthesis_plan": {"type": "string"},
    "validation": {
      "type": "object",
      "required": ["coverage"],
      "properties": {
        "coverage": {"enum": ["low", "medium", "high"]},
        "gaps": {"type": "array", "items": {"type": "string"}},
        "iteration_triggers": {"type": "array", "items": {"type": "string"}}
      }
    },
    "clarification_needed": {"type": "boolean"},
    "clarification_query": {"type": "string"}
  }
}`

// jobSchema is compiled once at package init; the schema is a constant, so
// a compile failure is a programming error.
var jobSchema = mustCompileSchema("job.json", jobSchemaJSON)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(schema), &doc); err != nil {
		panic(fmt.Sprintf("loom: invalid embedded schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("loom: add schema resource %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("loom: compile schema %s: %v", name, err))
	}
	return s
}

// ValidateJobDocument checks a decoded JSON document against the Job schema.
// The document must be the result of unmarshalling into any (maps/slices),
// not a Job struct.
func ValidateJobDocument(doc any) error {
	if err := jobSchema.Validate(doc); err != nil {
		return Ew(KindSchemaMismatch, "job does not match schema", err)
	}
	return nil
}

// Validate applies the semantic rules a runnable Job must satisfy:
// clarification jobs carry a query, executable jobs have at least one
// sub-task with unique ids, every dependency references an existing
// sub-task or the "none" sentinel, and the dependency graph is acyclic.
func (j *Job) Validate() error {
	if j.ClarificationNeeded {
		if j.ClarificationQuery == "" {
			return E(KindSchemaMismatch, "clarification_needed is true but clarification_query is empty")
		}
		return nil
	}
	if len(j.SubTasks) == 0 {
		return E(KindSchemaMismatch, "job has no sub_tasks")
	}

	ids := make(map[string]bool, len(j.SubTasks))
	for _, t := range j.SubTasks {
		if t.ID == "" {
			return E(KindSchemaMismatch, "sub-task with empty id")
		}
		if ids[t.ID] {
			return Ef(KindSchemaMismatch, "duplicate sub-task id %q", t.ID)
		}
		ids[t.ID] = true
		if t.ActionType != ActionTool && t.ActionType != ActionInference {
			return Ef(KindSchemaMismatch, "sub-task %q: unknown action_type %q", t.ID, t.ActionType)
		}
		if t.ToolOrPrompt.Name == "" {
			return Ef(KindSchemaMismatch, "sub-task %q: empty tool_or_prompt.name", t.ID)
		}
	}
	for _, t := range j.SubTasks {
		for _, dep := range t.Deps() {
			if !ids[dep] {
				return Ef(KindSchemaMismatch, "sub-task %q depends on unknown sub-task %q", t.ID, dep)
			}
		}
	}
	return detectCycle(j.SubTasks)
}

// detectCycle uses Kahn's algorithm for topological sorting to detect cycles
// in the sub-task dependency graph.
func detectCycle(tasks []SubTask) error {
	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string) // dep -> tasks that depend on it
	for _, t := range tasks {
		inDegree[t.ID] = 0
	}
	for _, t := range tasks {
		deps := t.Deps()
		inDegree[t.ID] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(tasks) {
		return E(KindSchemaMismatch, "cycle detected in sub-task dependencies")
	}
	return nil
}

// Renumber rewrites sub-task ids to the dense sequence "1".."N" in plan
// order and updates every dependency reference accordingly. The model's ids
// are not trusted to be compact or monotone. The "none" sentinel and
// references to unknown ids pass through unchanged.
func (j *Job) Renumber() {
	remap := make(map[string]string, len(j.SubTasks))
	for i := range j.SubTasks {
		remap[j.SubTasks[i].ID] = strconv.Itoa(i + 1)
	}
	for i := range j.SubTasks {
		j.SubTasks[i].ID = remap[j.SubTasks[i].ID]
		for k, dep := range j.SubTasks[i].Dependencies {
			if newID, ok := remap[dep]; ok {
				j.SubTasks[i].Dependencies[k] = newID
			}
		}
	}
}
