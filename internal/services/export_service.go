// internal/services/export_service.go
package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryWeaverMCP/internal/errors"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"
)

// 导出范围
const (
	ExportTypeOutline  = "outline"  // 仅事件大纲
	ExportTypePlan     = "plan"     // 仅故事计划
	ExportTypeChapters = "chapters" // 仅章节正文
	ExportTypeFull     = "full"     // 全部已生成的产物
)

// ExportService 将故事的构建产物渲染为可下载的文档
// 导出是只读操作，不改变故事状态，构建期间也允许导出已落盘的产物
type ExportService struct {
	Story *StoryService
}

// NewExportService 创建导出服务
func NewExportService(storyService *StoryService) *ExportService {
	return &ExportService{
		Story: storyService,
	}
}

// exportBundle 汇集一次导出涉及的产物，未生成的部分为 nil
type exportBundle struct {
	story    *models.Story
	graph    *models.EventGraph
	plan     *models.StoryPlan
	chapters []*models.ChapterText
}

// ExportStory 导出故事产物并保存为文件
// exportType 取 outline/plan/chapters/full（默认 full），
// format 取 json/markdown/txt（默认 markdown）
func (s *ExportService) ExportStory(storyID, exportType, format string) (*models.ExportResult, error) {
	exportType = strings.ToLower(strings.TrimSpace(exportType))
	if exportType == "" {
		exportType = ExportTypeFull
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "markdown"
	}

	switch exportType {
	case ExportTypeOutline, ExportTypePlan, ExportTypeChapters, ExportTypeFull:
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("不支持的导出范围: %s", exportType), nil)
	}
	switch format {
	case "json", "markdown", "txt":
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("不支持的导出格式: %s", format), nil)
	}

	story, err := s.Story.GetStory(storyID)
	if err != nil {
		return nil, err
	}

	bundle, err := s.collectArtifacts(story, exportType)
	if err != nil {
		return nil, err
	}

	content, err := s.renderContent(bundle, exportType, format)
	if err != nil {
		return nil, apperrors.NewProcessingError("渲染导出内容失败", err)
	}

	result := &models.ExportResult{
		StoryID:     story.ID,
		Title:       story.Title,
		Format:      format,
		ExportType:  exportType,
		Content:     content,
		FileSize:    int64(len(content)),
		GeneratedAt: time.Now(),
		Stats:       bundle.stats(),
	}

	filename := fmt.Sprintf("%s_%s.%s", exportType, result.GeneratedAt.Format("20060102_150405"), formatExtension(format))
	path, err := s.Story.Store.SaveExport(story.ID, filename, []byte(content))
	if err != nil {
		return nil, apperrors.NewProcessingError("保存导出文件失败", err)
	}
	result.FilePath = path

	utils.GetLogger().Info("故事导出完成", map[string]interface{}{
		"story_id":    story.ID,
		"export_type": exportType,
		"format":      format,
		"file_path":   path,
		"file_size":   result.FileSize,
	})
	return result, nil
}

// collectArtifacts 按导出范围装载产物
// outline/plan/chapters 要求对应产物已生成；full 只要求至少有一项产物
func (s *ExportService) collectArtifacts(story *models.Story, exportType string) (*exportBundle, error) {
	bundle := &exportBundle{story: story}

	loadGraph := func(required bool) error {
		graph, err := s.Story.GetOutline(story.ID)
		if err != nil {
			if !required && apperrors.IsNotFoundError(err) {
				return nil
			}
			return err
		}
		bundle.graph = graph
		return nil
	}
	loadPlan := func(required bool) error {
		plan, err := s.Story.GetPlan(story.ID)
		if err != nil {
			if !required && apperrors.IsNotFoundError(err) {
				return nil
			}
			return err
		}
		bundle.plan = plan
		return nil
	}
	loadChapters := func(required bool) error {
		chapters, err := s.Story.GetChapters(story.ID)
		if err != nil {
			if !required && apperrors.IsNotFoundError(err) {
				return nil
			}
			return err
		}
		bundle.chapters = chapters
		return nil
	}

	switch exportType {
	case ExportTypeOutline:
		if err := loadGraph(true); err != nil {
			return nil, err
		}
	case ExportTypePlan:
		if err := loadPlan(true); err != nil {
			return nil, err
		}
	case ExportTypeChapters:
		if err := loadChapters(true); err != nil {
			return nil, err
		}
	case ExportTypeFull:
		if err := loadGraph(false); err != nil {
			return nil, err
		}
		if err := loadPlan(false); err != nil {
			return nil, err
		}
		if err := loadChapters(false); err != nil {
			return nil, err
		}
		if bundle.graph == nil && bundle.plan == nil && bundle.chapters == nil {
			return nil, apperrors.NewValidationError("故事还没有可导出的产物，请先构建大纲", nil)
		}
	}
	return bundle, nil
}

// stats 统计导出内容的规模
func (b *exportBundle) stats() *models.ExportStats {
	stats := &models.ExportStats{}
	if b.graph != nil {
		stats.EventCount = b.graph.Size()
		stats.RelationCount = len(b.graph.Edges)
	}
	if b.plan != nil {
		stats.SubEventCount = b.plan.SubEventCount()
		stats.ChapterCount = len(b.plan.Chapters)
	}
	if b.chapters != nil {
		stats.ChapterCount = len(b.chapters)
		stats.TotalWords = totalWordCount(b.chapters)
	}
	return stats
}

// renderContent 按格式分发渲染
func (s *ExportService) renderContent(bundle *exportBundle, exportType, format string) (string, error) {
	switch strings.ToLower(format) {
	case "json":
		return s.renderJSON(bundle, exportType)
	case "markdown":
		return s.renderMarkdown(bundle), nil
	case "txt":
		return s.renderText(bundle), nil
	default:
		return "", fmt.Errorf("不支持的格式: %s", format)
	}
}

// renderJSON 渲染为带导出信息的 JSON 文档
func (s *ExportService) renderJSON(bundle *exportBundle, exportType string) (string, error) {
	payload := map[string]interface{}{
		"story": bundle.story,
		"export_info": map[string]interface{}{
			"export_type":  exportType,
			"format":       "json",
			"generated_at": time.Now().Format("2006-01-02 15:04:05"),
			"version":      "1.0",
		},
	}
	if bundle.graph != nil {
		payload["outline"] = bundle.graph
	}
	if bundle.plan != nil {
		payload["plan"] = bundle.plan
	}
	if bundle.chapters != nil {
		payload["chapters"] = bundle.chapters
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化导出内容失败: %w", err)
	}
	return string(data), nil
}

// renderMarkdown 渲染为 Markdown 文档
func (s *ExportService) renderMarkdown(bundle *exportBundle) string {
	var sb strings.Builder
	story := bundle.story

	sb.WriteString(fmt.Sprintf("# %s\n\n", story.Title))
	if story.Premise != "" {
		sb.WriteString(fmt.Sprintf("> %s\n\n", story.Premise))
	}
	sb.WriteString(fmt.Sprintf("- **故事ID**: %s\n", story.ID))
	sb.WriteString(fmt.Sprintf("- **状态**: %s\n", story.Status))
	sb.WriteString(fmt.Sprintf("- **创建时间**: %s\n", story.CreatedAt.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("- **导出时间**: %s\n\n", time.Now().Format("2006-01-02 15:04:05")))

	if bundle.graph != nil {
		sb.WriteString("## 事件大纲\n\n")
		for _, event := range bundle.graph.Events() {
			sb.WriteString(fmt.Sprintf("### %s %s\n\n", event.EventID, event.Title))
			if event.Summary != "" {
				sb.WriteString(fmt.Sprintf("- **概要**: %s\n", event.Summary))
			}
			if event.Time != "" {
				sb.WriteString(fmt.Sprintf("- **时间**: %s\n", event.Time))
			}
			if event.Location != "" {
				sb.WriteString(fmt.Sprintf("- **地点**: %s\n", event.Location))
			}
			if len(event.Characters) > 0 {
				sb.WriteString(fmt.Sprintf("- **角色**: %s\n", formatCharacters(event.Characters)))
			}
			if event.Goal != "" {
				sb.WriteString(fmt.Sprintf("- **目标**: %s\n", event.Goal))
			}
			if event.Conflict != "" {
				sb.WriteString(fmt.Sprintf("- **冲突**: %s\n", event.Conflict))
			}
			if event.NoveltyScore > 0 || event.CoherenceScore > 0 {
				sb.WriteString(fmt.Sprintf("- **评分**: 新颖度 %.2f，连贯度 %.2f\n", event.NoveltyScore, event.CoherenceScore))
			}
			sb.WriteString("\n")
		}

		if len(bundle.graph.Edges) > 0 {
			sb.WriteString("### 事件关系\n\n")
			for _, edge := range bundle.graph.Edges {
				sb.WriteString(fmt.Sprintf("- %s → %s（%s）", edge.SourceEventID, edge.TargetEventID, relationLabel(edge.Type)))
				if edge.Rationale != "" {
					sb.WriteString(fmt.Sprintf("：%s", edge.Rationale))
				}
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}

	if bundle.plan != nil {
		sb.WriteString("## 故事计划\n\n")
		for i, chapter := range bundle.plan.Chapters {
			sb.WriteString(fmt.Sprintf("### 第 %d 章 %s\n\n", i+1, chapter.Title))
			if chapter.Summary != "" {
				sb.WriteString(fmt.Sprintf("> %s\n\n", chapter.Summary))
			}
			for _, subID := range chapter.SubEventIDs {
				if sub, ok := bundle.plan.SubEvents[subID]; ok {
					sb.WriteString(fmt.Sprintf("- **%s** %s", sub.SubEventID, sub.Title))
					if sub.Summary != "" {
						sb.WriteString(fmt.Sprintf("：%s", sub.Summary))
					}
					sb.WriteString("\n")
				} else {
					sb.WriteString(fmt.Sprintf("- **%s**\n", subID))
				}
			}
			sb.WriteString("\n")
		}
	}

	if bundle.chapters != nil {
		sb.WriteString("## 正文\n\n")
		for i, chapter := range bundle.chapters {
			sb.WriteString(fmt.Sprintf("### 第 %d 章 %s\n\n", i+1, chapter.Title))
			sb.WriteString(chapter.Content)
			sb.WriteString("\n\n")
		}
	}

	return sb.String()
}

// renderText 渲染为纯文本文档
func (s *ExportService) renderText(bundle *exportBundle) string {
	var sb strings.Builder
	story := bundle.story

	sb.WriteString(story.Title + "\n")
	sb.WriteString(strings.Repeat("=", 40) + "\n\n")
	if story.Premise != "" {
		sb.WriteString(fmt.Sprintf("前提: %s\n", story.Premise))
	}
	sb.WriteString(fmt.Sprintf("状态: %s\n", story.Status))
	sb.WriteString(fmt.Sprintf("导出时间: %s\n\n", time.Now().Format("2006-01-02 15:04:05")))

	if bundle.graph != nil {
		sb.WriteString("【事件大纲】\n\n")
		for _, event := range bundle.graph.Events() {
			sb.WriteString(fmt.Sprintf("%s %s\n", event.EventID, event.Title))
			if event.Summary != "" {
				sb.WriteString(fmt.Sprintf("  概要: %s\n", event.Summary))
			}
			if event.Location != "" {
				sb.WriteString(fmt.Sprintf("  地点: %s\n", event.Location))
			}
			if len(event.Characters) > 0 {
				sb.WriteString(fmt.Sprintf("  角色: %s\n", formatCharacters(event.Characters)))
			}
			sb.WriteString("\n")
		}
		if len(bundle.graph.Edges) > 0 {
			sb.WriteString("【事件关系】\n\n")
			for _, edge := range bundle.graph.Edges {
				sb.WriteString(fmt.Sprintf("%s -> %s (%s)\n", edge.SourceEventID, edge.TargetEventID, relationLabel(edge.Type)))
			}
			sb.WriteString("\n")
		}
	}

	if bundle.plan != nil {
		sb.WriteString("【故事计划】\n\n")
		for i, chapter := range bundle.plan.Chapters {
			sb.WriteString(fmt.Sprintf("第 %d 章 %s\n", i+1, chapter.Title))
			for _, subID := range chapter.SubEventIDs {
				if sub, ok := bundle.plan.SubEvents[subID]; ok {
					sb.WriteString(fmt.Sprintf("  - %s %s\n", sub.SubEventID, sub.Title))
				} else {
					sb.WriteString(fmt.Sprintf("  - %s\n", subID))
				}
			}
			sb.WriteString("\n")
		}
	}

	if bundle.chapters != nil {
		sb.WriteString("【正文】\n\n")
		for i, chapter := range bundle.chapters {
			sb.WriteString(fmt.Sprintf("第 %d 章 %s\n", i+1, chapter.Title))
			sb.WriteString(strings.Repeat("-", 40) + "\n")
			sb.WriteString(chapter.Content)
			sb.WriteString("\n\n")
		}
	}

	return sb.String()
}

// formatCharacters 将角色快照渲染为单行文本
func formatCharacters(characters []models.Character) string {
	parts := make([]string, 0, len(characters))
	for _, ch := range characters {
		desc := ch.Name
		extra := make([]string, 0, 2)
		if ch.Role != "" {
			extra = append(extra, ch.Role)
		}
		if ch.State != "" {
			extra = append(extra, ch.State)
		}
		if len(extra) > 0 {
			desc = fmt.Sprintf("%s（%s）", ch.Name, strings.Join(extra, "，"))
		}
		parts = append(parts, desc)
	}
	return strings.Join(parts, "、")
}

// relationLabel 返回关系类型的中文标签
func relationLabel(t models.RelationType) string {
	switch t {
	case models.RelationCausal:
		return "因果"
	case models.RelationTemporal:
		return "时序"
	case models.RelationThematic:
		return "主题"
	default:
		return string(t)
	}
}

// formatExtension 返回导出格式对应的文件扩展名
func formatExtension(format string) string {
	switch format {
	case "markdown":
		return "md"
	case "txt":
		return "txt"
	default:
		return "json"
	}
}
