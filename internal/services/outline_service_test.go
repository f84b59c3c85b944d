// internal/services/outline_service_test.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StoryWeaverMCP/internal/models"
)

// scriptedReply 是脚本桩中的一条预置回复
type scriptedReply struct {
	stage string // 非空时校验调用阶段
	text  string
	err   error
}

// scriptedGenerator 按预置脚本逐次回放回复的生成器桩，
// 同时记录每次调用的阶段与用户提示词。仅限单协程使用。
type scriptedGenerator struct {
	t       *testing.T
	replies []scriptedReply
	stages  []string
	prompts []string
}

func (g *scriptedGenerator) CompleteText(_ context.Context, stage, _, userPrompt string) (string, error) {
	idx := len(g.stages)
	g.stages = append(g.stages, stage)
	g.prompts = append(g.prompts, userPrompt)
	if idx >= len(g.replies) {
		g.t.Fatalf("第 %d 次生成调用超出脚本范围，stage=%s", idx+1, stage)
	}
	r := g.replies[idx]
	if r.stage != "" && r.stage != stage {
		g.t.Fatalf("第 %d 次生成调用阶段不符：期望 %s，实际 %s", idx+1, r.stage, stage)
	}
	return r.text, r.err
}

// generatorFunc 把函数适配成 TextGenerator，便于构造行为桩
type generatorFunc func(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error)

func (f generatorFunc) CompleteText(ctx context.Context, stage, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, stage, systemPrompt, userPrompt)
}

func completenessJSON(complete bool, reason string, missing ...string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"complete":         complete,
		"reason":           reason,
		"missing_elements": missing,
	})
	return string(b)
}

func eventJSON(id, title, summary string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"event_id": id,
		"title":    title,
		"summary":  summary,
		"time":     "第一幕",
		"location": "港口",
	})
	return string(b)
}

func eventsJSON(events ...string) string {
	return "[" + strings.Join(events, ",") + "]"
}

func verdictJSON(id string, valid bool, novelty, coherence float64, suggestion string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"event_id":        id,
		"valid":           valid,
		"novelty_score":   novelty,
		"coherence_score": coherence,
		"suggestion":      suggestion,
	})
	return string(b)
}

func relationJSON(relType, source, target string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"type":            relType,
		"source_event_id": source,
		"target_event_id": target,
		"rationale":       "测试关系",
	})
	return string(b)
}

func TestBuildOutlineHappyPath(t *testing.T) {
	gen := &scriptedGenerator{t: t, replies: []scriptedReply{
		{stage: StageCompleteness, text: completenessJSON(false, "缺少结局", "ending")},
		{stage: StageSeed, text: "```json\n" + eventsJSON(
			eventJSON("E1", "风暴来袭", "渔村在风暴前夜陷入慌乱"),
			eventJSON("E2", "灯塔熄灭", "守塔人失踪，灯塔在风暴中熄灭"),
		) + "\n```"},
		{stage: StageValidate, text: eventsJSON(
			verdictJSON("E1", true, 0.8, 0.7, ""),
			verdictJSON("E2", true, 0.9, 0.75, ""),
		)},
		{stage: StageCompleteness, text: completenessJSON(true, "故事弧线完整")},
		{stage: StageRelations, text: eventsJSON(
			relationJSON("causal", "E1", "E2"),
			relationJSON("causal", "E1", "E2"),
			relationJSON("temporal", "E2", "E1"),
			relationJSON("causal", "E9", "E1"),
		)},
	}}

	ps := NewProgressService()
	tracker := ps.CreateTracker("outline-happy")

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(context.Background(), "风暴中的渔村", nil,
		models.StoryParams{KCandidates: 2, MaxRevise: 2, MaxEvents: 3}, tracker)

	require.NoError(t, err, "正常流程不应返回错误")
	assert.Equal(t, []string{"E1", "E2"}, graph.EventIDs(), "事件应按接受顺序排列")
	assert.Equal(t, 0.8, graph.Nodes["E1"].NoveltyScore, "裁决分数应回填到事件上")
	assert.Equal(t, 0.75, graph.Nodes["E2"].CoherenceScore, "裁决分数应回填到事件上")
	assert.Len(t, graph.Edges, 2, "重复关系与悬空关系应被丢弃")
	assert.Empty(t, graph.CheckIntegrity(), "最终事件图必须保持引用完整")
	assert.Equal(t, []string{
		StageCompleteness, StageSeed, StageValidate, StageCompleteness, StageRelations,
	}, gen.stages, "阶段调用顺序应与主循环一致")
	assert.Equal(t, 60, tracker.Progress, "构建完成后进度应到达阶段终点")
}

func TestBuildOutlineReviseFlow(t *testing.T) {
	gen := &scriptedGenerator{t: t, replies: []scriptedReply{
		{stage: StageCompleteness, text: completenessJSON(false, "缺少开端")},
		{stage: StageSeed, text: eventsJSON(
			eventJSON("E1", "旧案重启", "侦探接手一桩旧案"),
			eventJSON("E2", "匿名信", "一封匿名信指向真凶"),
		)},
		{stage: StageValidate, text: eventsJSON(
			verdictJSON("E1", false, 0.6, 0.3, "timeline conflict with E2"),
			verdictJSON("E2", true, 0.85, 0.8, ""),
		)},
		{stage: StageRevise, text: eventsJSON(
			eventJSON("E1", "旧案重启", "侦探在匿名信寄出之后才接手旧案"),
		)},
		{stage: StageValidate, text: eventsJSON(
			verdictJSON("E1", true, 0.7, 0.9, ""),
		)},
		{stage: StageRelations, text: "[]"},
	}}

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(context.Background(), "匿名信引出的旧案", nil,
		models.StoryParams{KCandidates: 2, MaxRevise: 3, MaxEvents: 2}, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"E2", "E1"}, graph.EventIDs(), "先通过的事件应排在前面")
	assert.Equal(t, "侦探在匿名信寄出之后才接手旧案", graph.Nodes["E1"].Summary,
		"图中应保留修订后的事件内容")
	assert.Contains(t, gen.prompts[3], "timeline conflict",
		"修订提示词应携带裁决给出的具体反馈")
	assert.Equal(t, []string{
		StageCompleteness, StageSeed, StageValidate, StageRevise, StageValidate, StageRelations,
	}, gen.stages)
}

func TestBuildOutlineResolvesIDConflicts(t *testing.T) {
	initial := models.NewEventGraph()
	initial.AddEvent(&models.Event{EventID: "E3", Title: "既有事件"})

	gen := &scriptedGenerator{t: t, replies: []scriptedReply{
		{stage: StageCompleteness, text: completenessJSON(false, "情节太薄")},
		{stage: StageSeed, text: eventsJSON(
			eventJSON("E3", "同名候选一", "第一个撞名候选"),
			eventJSON("E3", "同名候选二", "第二个撞名候选"),
		)},
		{stage: StageValidate, text: eventsJSON(
			verdictJSON("E3", true, 0.9, 0.9, ""),
		)},
		{stage: StageRelations, text: "[]"},
	}}

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(context.Background(), "撞名测试", initial,
		models.StoryParams{KCandidates: 2, MaxRevise: 1, MaxEvents: 3}, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"E3", "E3_1", "E3_2"}, graph.EventIDs(),
		"撞名候选应依次获得最小可用后缀")
	assert.Equal(t, "既有事件", graph.Nodes["E3"].Title, "既有事件不应被覆盖")
}

func TestBuildOutlineStopsWhenNoCandidates(t *testing.T) {
	gen := &scriptedGenerator{t: t, replies: []scriptedReply{
		{stage: StageCompleteness, text: completenessJSON(false, "尚未开始")},
		{stage: StageSeed, text: "这不是JSON"},
	}}

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(context.Background(), "空产出测试", nil,
		models.StoryParams{}, nil)

	require.NoError(t, err, "种子阶段解析失败应优雅停止而不是报错")
	assert.Equal(t, 0, graph.Size())
	assert.Equal(t, []string{StageCompleteness, StageSeed}, gen.stages,
		"空图不应再调用关系推断")
}

func TestBuildOutlineStopsWithoutProgress(t *testing.T) {
	gen := &scriptedGenerator{t: t, replies: []scriptedReply{
		{stage: StageCompleteness, text: completenessJSON(false, "缺少冲突")},
		{stage: StageSeed, text: eventsJSON(eventJSON("E1", "平淡事件", "没有冲突的事件"))},
		{stage: StageValidate, text: eventsJSON(verdictJSON("E1", false, 0.5, 0.2, "过于平淡"))},
		{stage: StageRevise, text: eventsJSON(eventJSON("E1", "平淡事件", "仍然没有冲突"))},
		{stage: StageValidate, text: eventsJSON(verdictJSON("E1", false, 0.5, 0.2, "仍然过于平淡"))},
		{stage: StageRevise, text: eventsJSON(eventJSON("E1", "平淡事件", "还是没有冲突"))},
		{stage: StageValidate, text: eventsJSON(verdictJSON("E1", false, 0.5, 0.2, "没有改进"))},
	}}

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(context.Background(), "无进展测试", nil,
		models.StoryParams{KCandidates: 1, MaxRevise: 3, MaxEvents: 30}, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, graph.Size(), "始终被拒绝的候选最终应被放弃")
	assert.Len(t, gen.stages, 7, "一轮无进展后不应再开启新的迭代")
}

func TestBuildOutlineFailClosedOnCompletenessGarbage(t *testing.T) {
	gen := &scriptedGenerator{t: t, replies: []scriptedReply{
		{stage: StageCompleteness, text: "乱码回复"},
		{stage: StageSeed, text: "[]"},
	}}

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(context.Background(), "判定乱码测试", nil,
		models.StoryParams{}, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, graph.Size())
	// 判定解析失败必须按"未完成"处理，循环应继续走到种子阶段
	assert.Equal(t, []string{StageCompleteness, StageSeed}, gen.stages)
}

func TestBuildOutlineGeneratorErrorPropagates(t *testing.T) {
	providerErr := errors.New("上游服务不可用")
	gen := &scriptedGenerator{t: t, replies: []scriptedReply{
		{stage: StageCompleteness, text: completenessJSON(false, "刚开始")},
		{stage: StageSeed, err: providerErr},
	}}

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(context.Background(), "错误传递测试", nil,
		models.StoryParams{}, nil)

	assert.Nil(t, graph)
	assert.ErrorIs(t, err, providerErr, "生成器的资源类错误必须原样向上传递")
}

func TestBuildOutlineHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	gen := generatorFunc(func(_ context.Context, stage, _, _ string) (string, error) {
		calls++
		// 第一次调用期间任务被取消
		cancel()
		return completenessJSON(false, "刚开始"), nil
	})

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(ctx, "取消测试", nil, models.StoryParams{}, nil)

	assert.Nil(t, graph)
	assert.ErrorIs(t, err, context.Canceled, "取消应在下一次模型调用前生效")
	assert.Equal(t, 1, calls, "取消后不应再发起新的模型调用")
}

func TestBuildOutlineDropsUnvalidatedCandidates(t *testing.T) {
	gen := &scriptedGenerator{t: t, replies: []scriptedReply{
		{stage: StageCompleteness, text: completenessJSON(false, "缺少中段")},
		{stage: StageSeed, text: eventsJSON(
			eventJSON("E1", "劫案", "一场精心策划的劫案"),
			eventJSON("E2", "内鬼", "团伙中出现内鬼"),
			eventJSON("E3", "分赃", "分赃现场起了争执"),
		)},
		// E2 没有得到任何裁决
		{stage: StageValidate, text: eventsJSON(
			verdictJSON("E1", true, 0.9, 0.8, ""),
			verdictJSON("E3", false, 0.4, 0.3, "动机不成立"),
		)},
		{stage: StageRevise, text: "格式损坏的回复"},
		{stage: StageCompleteness, text: completenessJSON(true, "已经完整")},
		{stage: StageRelations, text: "[]"},
	}}

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(context.Background(), "未裁决候选测试", nil,
		models.StoryParams{KCandidates: 3, MaxRevise: 3, MaxEvents: 30}, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"E1"}, graph.EventIDs(),
		"未获裁决的候选与修订失败的候选都应被放弃")
}

func TestBuildOutlineNoveltyFloor(t *testing.T) {
	gen := &scriptedGenerator{t: t, replies: []scriptedReply{
		{stage: StageCompleteness, text: completenessJSON(false, "刚开始")},
		{stage: StageSeed, text: eventsJSON(eventJSON("E1", "重逢", "主角与旧友重逢"))},
		// 裁决给出通过，但新颖度低于下限
		{stage: StageValidate, text: eventsJSON(verdictJSON("E1", true, 0.1, 0.9, ""))},
		{stage: StageRevise, text: eventsJSON(eventJSON("E1", "重逢", "旧友带来了主角之死的传闻"))},
		{stage: StageValidate, text: eventsJSON(verdictJSON("E1", true, 0.85, 0.9, ""))},
		{stage: StageRelations, text: "[]"},
	}}

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(context.Background(), "新颖度下限测试", nil,
		models.StoryParams{KCandidates: 1, MaxRevise: 2, MaxEvents: 1}, nil)

	require.NoError(t, err)
	require.Equal(t, 1, graph.Size())
	assert.Equal(t, "旧友带来了主角之死的传闻", graph.Nodes["E1"].Summary,
		"低新颖度候选应走修订通道而不是直接入图")
	assert.Equal(t, 0.85, graph.Nodes["E1"].NoveltyScore)
	assert.Contains(t, gen.prompts[3], "相似", "自动补充的拒绝理由应传给修订阶段")
}

func TestBuildOutlineDoesNotMutateInitialGraph(t *testing.T) {
	initial := models.NewEventGraph()
	initial.AddEvent(&models.Event{EventID: "E1", Title: "开端"})

	gen := &scriptedGenerator{t: t, replies: []scriptedReply{
		{stage: StageCompleteness, text: completenessJSON(false, "只有开端")},
		{stage: StageSeed, text: eventsJSON(eventJSON("E2", "转折", "剧情急转直下"))},
		{stage: StageValidate, text: eventsJSON(verdictJSON("E2", true, 0.8, 0.8, ""))},
		{stage: StageRelations, text: eventsJSON(relationJSON("causal", "E1", "E2"))},
	}}

	svc := NewOutlineService(gen)
	graph, err := svc.BuildOutline(context.Background(), "所有权测试", initial,
		models.StoryParams{KCandidates: 1, MaxRevise: 1, MaxEvents: 2}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, graph.Size())
	assert.Len(t, graph.Edges, 1)
	assert.Equal(t, 1, initial.Size(), "调用方持有的图不应被追加事件")
	assert.Empty(t, initial.Edges, "调用方持有的图不应被写入关系")
	assert.NotSame(t, initial.Nodes["E1"], graph.Nodes["E1"], "构建应在深拷贝上进行")
}

func TestBuildOutlineRejectsEmptyPremise(t *testing.T) {
	svc := NewOutlineService(&scriptedGenerator{t: t})
	graph, err := svc.BuildOutline(context.Background(), "   ", nil, models.StoryParams{}, nil)

	assert.Nil(t, graph)
	assert.Error(t, err, "空白前提应被拒绝")
}

func TestResolveEventIDConflict(t *testing.T) {
	graph := models.NewEventGraph()
	graph.AddEvent(&models.Event{EventID: "E1"})
	graph.AddEvent(&models.Event{EventID: "E1_1"})

	tests := []struct {
		name    string
		eventID string
		want    string
	}{
		{"无冲突保持原样", "E2", "E2"},
		{"已占用的后缀被跳过", "E1", "E1_2"},
		{"后缀形式的标识同样参与冲突检查", "E1_1", "E1_1_1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &models.Event{EventID: tt.eventID}
			resolveEventIDConflict(graph, ev)
			assert.Equal(t, tt.want, ev.EventID)
		})
	}
}
