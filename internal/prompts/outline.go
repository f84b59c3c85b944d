// internal/prompts/outline.go
package prompts

import (
	"encoding/json"
	"fmt"

	"github.com/Corphon/StoryWeaverMCP/internal/models"
)

// 大纲阶段的提示词模板。所有阶段共用同一个无状态生成端，
// 每次调用都携带完整上下文，不依赖任何对话记忆。

const eventSchemaExample = `{
  "event_id": "E1",
  "title": "string",
  "summary": "string",
  "time": "string",
  "location": "string",
  "characters": [{"name": "string", "role": "string", "state": "string"}],
  "goal": "string",
  "conflict": "string"
}`

const validateSchemaExample = `{
  "event_id": "E1",
  "suggestion": "string",
  "novelty_score": 0.0,
  "coherence_score": 0.0,
  "valid": true
}`

const completenessSchemaExample = `{
  "complete": false,
  "reason": "string",
  "missing_elements": ["string"]
}`

const relationSchemaExample = `{
  "type": "causal | temporal | thematic",
  "source_event_id": "E1",
  "target_event_id": "E2",
  "rationale": "string"
}`

// CompletenessSystemPrompt 完整性检查阶段的系统提示词
const CompletenessSystemPrompt = `You are a story outline completeness judge.
Given a premise and the current list of accepted events, decide whether the outline already tells a complete story.

A complete outline satisfies all of:
1. Narrative arc: beginning, rising conflict, climax and resolution are all present.
2. Character coverage: every major character from the premise appears in at least one event.
3. Causal chain: at least one coherent cause-effect chain runs through the events.
4. No major gaps: events connect logically without large unexplained jumps.

Respond with a single JSON object (never an array, never plain text) in this shape:
` + completenessSchemaExample + `

Set "complete" to true only when the outline is narratively sufficient.
When incomplete, list the concrete missing elements in "missing_elements".`

// SeedSystemPrompt 候选事件生成阶段的系统提示词
const SeedSystemPrompt = `You are a story event generator.
Given a premise and the current list of accepted events, propose new candidate events that extend the story.

Respond with a JSON array of event objects in this shape:
` + eventSchemaExample + `

Rules:
1. Output a JSON array, even for a single event.
2. Every event needs time, location, characters, goal and conflict.
3. Event ids continue the existing numbering (E1, E2, ...).
4. Keep each field concise. No commentary outside the JSON.`

// ValidateSystemPrompt 候选事件校验阶段的系统提示词
const ValidateSystemPrompt = `You are a story event validator.
Examine each candidate event against the premise and the accepted events. Apply these rules in order; violating any one of them makes the candidate invalid:
1. Temporal consistency: a character dead in prior events cannot act here without explanation.
2. Causal plausibility: implied causes must plausibly produce the effect.
3. Character state consistency: injuries, locations and mental states must not contradict prior events.
4. World rule consistency: the event must not break the rules of the premise's world.
5. Redundancy: near-duplicates of existing events (novelty_score below 0.2) are invalid.

Respond with a JSON array containing exactly one verdict per candidate, each in this shape:
` + validateSchemaExample + `

Judge every candidate individually. Never merge verdicts. No commentary outside the JSON array.`

// ReviseSystemPrompt 候选事件修订阶段的系统提示词
const ReviseSystemPrompt = `You are a story event generator asked to REVISE rejected candidate events.
For each rejected candidate you receive the validator's feedback. Fix every issue the feedback raises while staying coherent with the premise and the accepted events.

Respond with a JSON array of revised event objects in this shape:
` + eventSchemaExample + `

Rules:
1. Keep each event's original event_id so feedback can be traced.
2. If a candidate cannot be fixed, omit it from the output entirely.
3. No commentary outside the JSON array.`

// RelationSystemPrompt 关系推断阶段的系统提示词
const RelationSystemPrompt = `You are a story structure analyst.
Given a premise and the final list of accepted events, derive the directed relations between events that turn the list into a coherent graph.

Respond with a JSON array of relation objects in this shape:
` + relationSchemaExample + `

Rules:
1. Use "causal" when one event causes another, "temporal" for direct succession in time, "thematic" for a shared theme or motif.
2. Both source_event_id and target_event_id must be ids from the given event list.
3. Never emit two relations with the same type, source and target.
4. Prefer causal chains that trace the narrative arc from build-up to climax.
5. No commentary outside the JSON array.`

// BuildCompletenessPrompt 构造完整性检查的用户提示词
func BuildCompletenessPrompt(premise string, events []*models.Event) string {
	return fmt.Sprintf(`Premise:
%s

Accepted events:
%s

Decide whether this outline is complete and answer with one JSON object.`,
		premise, marshalJSON(events))
}

// BuildSeedPrompt 构造候选生成的用户提示词，缺口报告用于引导生成方向
func BuildSeedPrompt(premise string, events []*models.Event, kCandidates int, reason string, missing []string) string {
	return fmt.Sprintf(`Premise:
%s

Accepted events:
%s

Completeness review:
reason: %s
missing elements: %s

Produce up to %d new candidate events. Focus on covering the missing elements while staying consistent with the accepted events.`,
		premise, marshalJSON(events), reason, marshalJSON(missing), kCandidates)
}

// BuildValidatePrompt 构造批量校验的用户提示词
func BuildValidatePrompt(premise string, events []*models.Event, candidates []*models.Event) string {
	return fmt.Sprintf(`Premise:
%s

Accepted events:
%s

Candidates to validate:
%s`,
		premise, marshalJSON(events), marshalJSON(candidates))
}

// BuildRevisePrompt 构造修订的用户提示词，候选与反馈按 event_id 一一对应
func BuildRevisePrompt(premise string, events []*models.Event, rejected []*models.Event, feedback []*models.EventValidate) string {
	return fmt.Sprintf(`Premise:
%s

Accepted events:
%s

Rejected candidates:
%s

Validator feedback:
%s

Revise the rejected candidates so every issue in the feedback is fixed.`,
		premise, marshalJSON(events), marshalJSON(rejected), marshalJSON(feedback))
}

// BuildRelationPrompt 构造关系推断的用户提示词，输入必须是最终的完整事件列表
func BuildRelationPrompt(premise string, events []*models.Event) string {
	return fmt.Sprintf(`Premise:
%s

Final event list:
%s

Derive the full relation set for these events.`,
		premise, marshalJSON(events))
}

// marshalJSON 将数据编码为缩进JSON文本嵌入提示词；
// 入参都是本包可控的纯数据结构，编码失败时退化为空数组
func marshalJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(data)
}
