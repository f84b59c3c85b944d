// internal/prompts/writing.go
package prompts

import (
	"fmt"

	"github.com/Corphon/StoryWeaverMCP/internal/models"
)

// WriteSystemPrompt 章节成文阶段的系统提示词
const WriteSystemPrompt = `You are a novelist.
Write the full prose for one chapter of a story, following the chapter plan and its sub-events faithfully. Match the language of the premise (write in Chinese if the premise is Chinese).

Rules:
1. Cover every sub-event of the chapter in the order given by the chapter plan.
2. Stay consistent with the premise and with the previously written chapters.
3. Output prose only, with no headings, JSON or commentary.`

// BuildWritePrompt 构造单章成文的用户提示词
// previousTail 传入前文末尾片段以保持衔接，可为空
func BuildWritePrompt(premise string, chapter *models.Chapter, subEvents []*models.SubEvent, previousTail string) string {
	prompt := fmt.Sprintf(`Premise:
%s

Chapter plan:
%s

Sub-events of this chapter (in narration order):
%s`,
		premise, marshalJSON(chapter), marshalJSON(subEvents))

	if previousTail != "" {
		prompt += fmt.Sprintf(`

Tail of the previous chapter (for continuity):
%s`, previousTail)
	}

	prompt += `

Write the complete prose for this chapter.`
	return prompt
}
