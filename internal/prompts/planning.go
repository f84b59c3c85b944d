// internal/prompts/planning.go
package prompts

import (
	"fmt"

	"github.com/Corphon/StoryWeaverMCP/internal/models"
)

const subEventSchemaExample = `{
  "sub_event_id": "E1.1",
  "title": "string",
  "summary": "string",
  "location": "string",
  "characters": [{"name": "string", "role": "string", "state": "string"}],
  "outcome": "string"
}`

const chapterSchemaExample = `{
  "chapter_id": "C1",
  "title": "string",
  "summary": "string",
  "sub_event_ids": ["E1.1", "E2.3"]
}`

// DecomposeSystemPrompt 事件分解阶段的系统提示词
const DecomposeSystemPrompt = `You are a narrative decomposition expert.
Break a single high-level story event into a short sequence of detailed, chronologically coherent sub-events. Together the sub-events must fulfill the goal and resolve the conflict of the parent event.

Respond with a JSON array of sub-event objects in this shape:
` + subEventSchemaExample + `

Rules:
1. sub_event_id must follow the format "<parent_event_id>.<index>" with index starting at 1.
2. The sub-events form one logical, sequential progression.
3. Each summary must be descriptive enough for a writer to expand into prose.
4. No commentary outside the JSON array.`

// WeaveSystemPrompt 章节编织阶段的系统提示词
const WeaveSystemPrompt = `You are a narrative architect.
Organize the given sub-events into a compelling multi-chapter story plan. You may use non-linear narration (flashbacks and flash-forwards) as long as causal and logical coherence survives.

Respond with a JSON array of chapter objects in this shape:
` + chapterSchemaExample + `

Rules:
1. Every sub-event id must appear in exactly one chapter. Never invent, drop or repeat an id.
2. Chapter ids are C1, C2, ... in reading order.
3. Choose a chapter count appropriate for the number of sub-events.
4. No commentary outside the JSON array.`

// BuildDecomposePrompt 构造单个事件分解的用户提示词
func BuildDecomposePrompt(premise string, parent *models.Event) string {
	return fmt.Sprintf(`Premise:
%s

Parent event to decompose:
%s

Generate the ordered list of sub-events for this parent event.`,
		premise, marshalJSON(parent))
}

// BuildWeavePrompt 构造章节编织的用户提示词，子事件必须是分解产物的全集
func BuildWeavePrompt(premise string, graph *models.EventGraph, subEvents []*models.SubEvent) string {
	return fmt.Sprintf(`Premise:
%s

Event graph (high-level context):
%s

All sub-events to weave into chapters:
%s

Assign every sub-event to exactly one chapter and return the chapter array.`,
		premise, marshalJSON(graph.Events()), marshalJSON(subEvents))
}

// BuildWeaveRetryPrompt 在覆盖性校验失败后构造纠错重问的用户提示词
func BuildWeaveRetryPrompt(premise string, graph *models.EventGraph, subEvents []*models.SubEvent, violations []string) string {
	return fmt.Sprintf(`%s

Your previous chapter assignment violated the coverage rules:
%s

Produce a corrected chapter array. Every sub-event id must appear in exactly one chapter, with no id missing, invented or repeated.`,
		BuildWeavePrompt(premise, graph, subEvents), marshalJSON(violations))
}
