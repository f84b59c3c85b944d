// cmd/demo/main.go
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Corphon/StoryWeaverMCP/internal/app"
	"github.com/Corphon/StoryWeaverMCP/internal/config"
	"github.com/Corphon/StoryWeaverMCP/internal/di"
	"github.com/Corphon/StoryWeaverMCP/internal/models"
	"github.com/Corphon/StoryWeaverMCP/internal/services"
	"github.com/Corphon/StoryWeaverMCP/internal/utils"
)

// 标准输入共用一个 reader，避免多个 Scanner 抢缓冲
var stdin = bufio.NewReader(os.Stdin)

// menuEntry 把菜单项和处理函数绑在一起，渲染与分发共用同一张表
type menuEntry struct {
	key     string
	alias   string
	labelID string
	run     func()
}

var menu = []menuEntry{
	{"1", "llm", "menu.llm", configureLLM},
	{"2", "stories", "menu.stories", manageStories},
	{"3", "build", "menu.build", buildStory},
	{"4", "artifacts", "menu.artifacts", inspectArtifacts},
	{"5", "export", "menu.export", exportStory},
	{"6", "config", "menu.config", viewConfig},
	{"7", "status", "menu.status", showServiceStatus},
	{"8", "services", "menu.services", listServices},
}

func main() {
	fmt.Println("🚀 StoryWeaverMCP 控制台 / Console")
	fmt.Println(strings.Repeat("=", 34))

	chooseLanguage()

	baseConfig, err := config.Load()
	if err != nil {
		log.Printf("❌ 基础配置加载失败: %v", err)
		return
	}

	logPath := filepath.Join("logs", "console_"+time.Now().Format("2006-01-02")+".log")
	if err := utils.InitLogger(logPath); err != nil {
		log.Printf("⚠️ 结构化日志不可用，仅输出到终端: %v", err)
	} else {
		utils.GetLogger().Info("控制台启动", map[string]interface{}{"log": logPath})
	}

	if err := prepareEnvironment(baseConfig); err != nil {
		fmt.Printf("❌ 环境初始化失败: %v\n", err)
		return
	}
	fmt.Println("✅ 环境就绪")

	for {
		fmt.Println()
		fmt.Println(tr("menu.header"))
		for _, entry := range menu {
			fmt.Printf("  %s) %s\n", entry.key, tr(entry.labelID))
		}
		fmt.Printf("  0) %s\n", tr("menu.quit"))

		input := strings.ToLower(prompt(tr("menu.pick")))
		if input == "0" || input == "q" || input == "quit" || input == "exit" {
			fmt.Println(tr("bye"))
			return
		}

		matched := false
		for _, entry := range menu {
			if input == entry.key || input == entry.alias {
				entry.run()
				matched = true
				break
			}
		}
		if !matched {
			fmt.Println(tr("menu.unknown"))
		}
	}
}

// prepareEnvironment 建目录、装配置、拉起全部服务
func prepareEnvironment(cfg *config.Config) error {
	fmt.Println("🔧 初始化运行环境...")

	for _, dir := range []string{cfg.DataDir, filepath.Join(cfg.DataDir, "stories"), cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录 %s: %w", dir, err)
		}
	}
	if err := config.InitConfig(cfg.DataDir); err != nil {
		return fmt.Errorf("初始化配置: %w", err)
	}
	if err := app.InitServices(); err != nil {
		return fmt.Errorf("初始化服务: %w", err)
	}
	return nil
}

// prompt 打印提示并读取一行输入
func prompt(label string) string {
	fmt.Print(label)
	line, _ := stdin.ReadString('\n')
	return strings.TrimSpace(line)
}

// promptOr 读取一行输入，留空时返回 fallback
func promptOr(label, fallback string) string {
	if fallback != "" {
		label = fmt.Sprintf("%s (%s %s): ", label, tr("hint.default"), fallback)
	} else {
		label += ": "
	}
	if v := prompt(label); v != "" {
		return v
	}
	return fallback
}

// promptIndex 读取一个 1..max 的序号，留空或非法输入返回 -1
func promptIndex(label string, max int) int {
	raw := prompt(label)
	if raw == "" {
		return -1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		fmt.Println(tr("err.badIndex"))
		return -1
	}
	return n - 1
}

// pickStory 列出全部故事供用户按序号挑选
func pickStory(storySvc *services.StoryService) *models.Story {
	stories, err := storySvc.ListStories()
	if err != nil {
		fmt.Printf("❌ %s: %v\n", tr("err.listStories"), err)
		return nil
	}
	if len(stories) == 0 {
		fmt.Println(tr("story.none"))
		return nil
	}

	for i, st := range stories {
		fmt.Printf("  %d) %s [%s] %s\n", i+1, st.Title, st.Status, clip(st.Premise, 40))
	}
	idx := promptIndex(tr("story.pick"), len(stories))
	if idx < 0 {
		return nil
	}
	return stories[idx]
}

func storyService() *services.StoryService {
	svc, _ := di.GetContainer().Get(di.ServiceStory).(*services.StoryService)
	return svc
}

// --- 菜单动作 ---

func manageStories() {
	fmt.Println("📚 " + tr("menu.stories"))
	storySvc := storyService()
	if storySvc == nil {
		fmt.Println(tr("err.noStorySvc"))
		return
	}

	fmt.Println(tr("story.ops"))
	switch strings.ToLower(prompt(tr("pick.op"))) {
	case "c":
		createStoryFlow(storySvc)
	case "v":
		showStoryDetail(storySvc)
	case "d":
		deleteStoryFlow(storySvc)
	}
}

func createStoryFlow(storySvc *services.StoryService) {
	premise := prompt(tr("story.askPremise"))
	if premise == "" {
		fmt.Println(tr("story.premiseEmpty"))
		return
	}
	title := promptOr(tr("story.askTitle"), "")

	// 单故事参数留空即回落到全局引擎默认值
	var params models.StoryParams
	if raw := promptOr(tr("story.askMaxEvents"), ""); raw != "" {
		params.MaxEvents, _ = strconv.Atoi(raw)
	}

	story, err := storySvc.CreateStory(title, premise, params)
	if err != nil {
		fmt.Printf("❌ %s: %v\n", tr("story.createFail"), err)
		return
	}
	fmt.Printf("✅ %s: %s\n", tr("story.created"), story.ID)
	fmt.Println(tr("story.buildHint"))
}

func showStoryDetail(storySvc *services.StoryService) {
	story := pickStory(storySvc)
	if story == nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\n", story.ID)
	fmt.Fprintf(&b, "%s: %s\n", tr("field.premise"), story.Premise)
	fmt.Fprintf(&b, "%s: %s\n", tr("field.status"), story.Status)
	fmt.Fprintf(&b, "%s: %d / %d / %d\n", tr("field.counts"),
		story.EventCount, story.SubEventCount, story.ChapterCount)
	if story.LastError != "" {
		fmt.Fprintf(&b, "%s: %s\n", tr("field.lastError"), story.LastError)
	}
	fmt.Fprintf(&b, "%s: %s\n", tr("field.created"), story.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "%s: %s", tr("field.updated"), story.LastUpdated.Format("2006-01-02 15:04:05"))
	if taskID, busy := storySvc.ActiveTask(story.ID); busy {
		fmt.Fprintf(&b, "\n%s: %s", tr("field.activeTask"), taskID)
	}
	printPanel("📖 "+story.Title, b.String())
}

func deleteStoryFlow(storySvc *services.StoryService) {
	story := pickStory(storySvc)
	if story == nil {
		return
	}
	answer := prompt(fmt.Sprintf(tr("story.confirmDelete"), story.Title))
	if !isYes(answer) {
		fmt.Println(tr("story.deleteAborted"))
		return
	}
	if err := storySvc.DeleteStory(story.ID); err != nil {
		fmt.Printf("❌ %s: %v\n", tr("story.deleteFail"), err)
		return
	}
	fmt.Println(tr("story.deleted"))
}

func buildStory() {
	fmt.Println("🏗 " + tr("menu.build"))
	storySvc := storyService()
	llmSvc, _ := di.GetContainer().Get(di.ServiceLLM).(*services.LLMService)
	if storySvc == nil {
		fmt.Println(tr("err.noStorySvc"))
		return
	}
	if llmSvc == nil || !llmSvc.IsReady() {
		fmt.Println(tr("build.llmNotReady"))
		return
	}

	story := pickStory(storySvc)
	if story == nil {
		return
	}

	if taskID, busy := storySvc.ActiveTask(story.ID); busy {
		fmt.Printf("⚠️  %s: %s\n", tr("build.busy"), taskID)
		if isYes(promptOr(tr("build.followTask"), "y")) {
			watchProgress(taskID)
		}
		return
	}

	fmt.Println(tr("build.stages"))
	choice := strings.ToLower(prompt(tr("pick.op")))

	var (
		taskID string
		err    error
	)
	switch choice {
	case "o":
		taskID, err = storySvc.BuildOutlineAsync(story.ID, false)
	case "r":
		taskID, err = storySvc.BuildOutlineAsync(story.ID, true)
	case "p":
		taskID, err = storySvc.BuildPlanAsync(story.ID)
	case "w":
		taskID, err = storySvc.WriteChaptersAsync(story.ID)
	case "f":
		taskID, err = storySvc.BuildStoryAsync(story.ID)
	case "c":
		if cerr := storySvc.CancelBuild(story.ID); cerr != nil {
			fmt.Printf("❌ %s: %v\n", tr("build.cancelFail"), cerr)
		} else {
			fmt.Println(tr("build.cancelSent"))
		}
		return
	default:
		return
	}

	if err != nil {
		fmt.Printf("❌ %s: %v\n", tr("build.startFail"), err)
		return
	}
	fmt.Printf("✅ %s: %s\n", tr("build.started"), taskID)
	watchProgress(taskID)
}

// watchProgress 订阅任务进度并逐行打印，任务到达终态后返回
func watchProgress(taskID string) {
	progressSvc, _ := di.GetContainer().Get(di.ServiceProgress).(*services.ProgressService)
	if progressSvc == nil {
		fmt.Println(tr("err.noProgressSvc"))
		return
	}
	tracker, exists := progressSvc.GetTracker(taskID)
	if !exists {
		fmt.Println(tr("build.taskMissing"))
		return
	}

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	fmt.Println(tr("build.watching"))
	for update := range updates {
		fmt.Printf("  [%3d%%] %s\n", update.Progress, update.Message)
		switch update.Status {
		case "completed":
			fmt.Println(tr("build.done"))
			return
		case "failed":
			fmt.Printf("❌ %s\n", update.Message)
			return
		}
	}
}

func inspectArtifacts() {
	fmt.Println("📦 " + tr("menu.artifacts"))
	storySvc := storyService()
	if storySvc == nil {
		fmt.Println(tr("err.noStorySvc"))
		return
	}
	story := pickStory(storySvc)
	if story == nil {
		return
	}

	fmt.Println(tr("artifact.kinds"))
	switch strings.ToLower(prompt(tr("pick.op"))) {
	case "o":
		showOutline(storySvc, story.ID)
	case "p":
		showPlan(storySvc, story.ID)
	case "c":
		showChapters(storySvc, story.ID)
	}
}

func showOutline(storySvc *services.StoryService, storyID string) {
	graph, err := storySvc.GetOutline(storyID)
	if err != nil {
		fmt.Printf("❌ %s: %v\n", tr("artifact.readFail"), err)
		return
	}

	fmt.Printf(tr("outline.summary")+"\n", graph.Size(), len(graph.Edges))
	for i, eventID := range graph.EventOrder {
		event := graph.Nodes[eventID]
		if event == nil {
			continue
		}
		fmt.Printf("  %d) [%s] %s - %s\n", i+1, event.EventID, event.Title, clip(event.Summary, 60))
	}

	eventID := promptOr(tr("outline.askDetail"), "")
	if eventID == "" {
		return
	}
	event, ok := graph.Nodes[eventID]
	if !ok {
		fmt.Println(tr("outline.noSuchEvent"))
		return
	}

	var b strings.Builder
	b.WriteString(event.Summary + "\n")
	fmt.Fprintf(&b, "\n%s: %s · %s\n", tr("field.timePlace"), event.Time, event.Location)
	fmt.Fprintf(&b, "%s: %s\n", tr("field.goal"), event.Goal)
	fmt.Fprintf(&b, "%s: %s", tr("field.conflict"), event.Conflict)
	for _, ch := range event.Characters {
		fmt.Fprintf(&b, "\n  · %s / %s / %s", ch.Name, ch.Role, ch.State)
	}
	printPanel("📖 "+event.Title, b.String())
}

func showPlan(storySvc *services.StoryService, storyID string) {
	plan, err := storySvc.GetPlan(storyID)
	if err != nil {
		fmt.Printf("❌ %s: %v\n", tr("artifact.readFail"), err)
		return
	}

	fmt.Printf(tr("plan.summary")+"\n", plan.SubEventCount(), len(plan.Chapters))
	for i, chapter := range plan.Chapters {
		fmt.Printf("  %d) [%s] %s (%d)\n", i+1, chapter.ChapterID, chapter.Title, len(chapter.SubEventIDs))
		fmt.Printf("     %s\n", clip(chapter.Summary, 64))
	}
}

func showChapters(storySvc *services.StoryService, storyID string) {
	chapters, err := storySvc.GetChapters(storyID)
	if err != nil {
		fmt.Printf("❌ %s: %v\n", tr("artifact.readFail"), err)
		return
	}

	fmt.Printf(tr("chapters.summary")+"\n", len(chapters))
	for i, chapter := range chapters {
		fmt.Printf("  %d) [%s] %s - %d %s\n", i+1, chapter.ChapterID, chapter.Title,
			chapter.WordCount, tr("unit.words"))
	}

	idx := promptIndex(tr("chapters.askRead"), len(chapters))
	if idx < 0 {
		return
	}
	printPanel("📖 "+chapters[idx].Title, chapters[idx].Content)
}

func exportStory() {
	fmt.Println("📤 " + tr("menu.export"))
	exportSvc, _ := di.GetContainer().Get(di.ServiceExport).(*services.ExportService)
	storySvc := storyService()
	if exportSvc == nil || storySvc == nil {
		fmt.Println(tr("err.noExportSvc"))
		return
	}

	story := pickStory(storySvc)
	if story == nil {
		return
	}

	exportType := promptOr(tr("export.askScope"), "full")
	format := promptOr(tr("export.askFormat"), "markdown")

	result, err := exportSvc.ExportStory(story.ID, exportType, format)
	if err != nil {
		fmt.Printf("❌ %s: %v\n", tr("export.fail"), err)
		return
	}
	fmt.Printf("✅ %s\n   %s (%d B)\n", tr("export.ok"), result.FilePath, result.FileSize)
}

func configureLLM() {
	fmt.Println("🤖 " + tr("menu.llm"))

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		fmt.Println(tr("err.noConfig"))
		return
	}
	reportLLMConfig(cfg)

	// 内置提供商与各自的缺省模型，顺序即展示顺序
	backends := []struct{ name, model, note string }{
		{"qwen", "qwen3-235b-a22b-instruct-2507", "通义千问 / DashScope"},
		{"openai", "gpt-4o", "OpenAI"},
		{"anthropic", "claude-3-7-sonnet-20250219", "Anthropic Claude"},
		{"glm", "glm-4-plus", "智谱 GLM"},
	}
	fmt.Println(tr("llm.backends"))
	for _, b := range backends {
		fmt.Printf("  %-10s %s\n", b.name, b.note)
	}

	current := cfg.LLMProvider
	if current == "" {
		current = backends[0].name
	}
	provider := promptOr(tr("llm.askProvider"), current)

	suggested := cfg.LLMConfig["default_model"]
	for _, b := range backends {
		if b.name == provider && suggested == "" {
			suggested = b.model
		}
	}
	model := promptOr(tr("llm.askModel"), suggested)

	apiKey := cfg.LLMConfig["api_key"]
	if apiKey != "" {
		if isYes(promptOr(tr("llm.askRotateKey"), "n")) {
			apiKey = prompt(tr("llm.askKey") + ": ")
		}
	} else {
		apiKey = prompt(tr("llm.askKey") + ": ")
	}
	if apiKey == "" {
		fmt.Println(tr("llm.keyEmpty"))
		return
	}

	if err := config.UpdateLLMConfig(provider, map[string]string{
		"api_key":       apiKey,
		"default_model": model,
	}); err != nil {
		fmt.Printf("❌ %s: %v\n", tr("llm.saveFail"), err)
		return
	}

	// 热切换当前进程内的生成服务
	if err := app.ReinitializeLLMService(); err != nil {
		fmt.Printf("⚠️  %s: %v\n", tr("llm.swapFail"), err)
		return
	}
	fmt.Printf("✅ %s: %s / %s\n", tr("llm.saved"), provider, model)
}

func reportLLMConfig(cfg *config.AppConfig) {
	provider := cfg.LLMProvider
	if provider == "" {
		provider = tr("state.unset")
	}
	keyState := tr("state.missing")
	if cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] != "" {
		keyState = tr("state.present")
	}
	fmt.Printf("%s: %s · API key %s\n", tr("llm.current"), provider, keyState)
}

func viewConfig() {
	fmt.Println("⚙️  " + tr("menu.config"))
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		fmt.Println(tr("err.noConfig"))
		return
	}

	rows := [][2]string{
		{tr("field.port"), cfg.Port},
		{tr("field.dataDir"), cfg.DataDir},
		{tr("field.logDir"), cfg.LogDir},
		{tr("field.debug"), strconv.FormatBool(cfg.DebugMode)},
		{tr("field.provider"), cfg.LLMProvider},
	}
	for k, v := range cfg.LLMConfig {
		if k == "api_key" {
			v = tr("state.masked")
		}
		rows = append(rows, [2]string{"llm." + k, v})
	}
	rows = append(rows,
		[2]string{"engine.k_candidates", strconv.Itoa(cfg.Engine.KCandidates)},
		[2]string{"engine.max_revise", strconv.Itoa(cfg.Engine.MaxRevise)},
		[2]string{"engine.max_events", strconv.Itoa(cfg.Engine.MaxEvents)},
		[2]string{"engine.decompose_workers", strconv.Itoa(cfg.Engine.DecomposeWorkers)},
		[2]string{"engine.temperature", strconv.FormatFloat(cfg.Engine.Temperature, 'f', 2, 64)},
	)

	for _, row := range rows {
		fmt.Printf("  %-26s %s\n", row[0], row[1])
	}
}

func showServiceStatus() {
	fmt.Println("📊 " + tr("menu.status"))
	container := di.GetContainer()
	if container == nil {
		fmt.Println(tr("err.noContainer"))
		return
	}

	if cfg := config.GetCurrentConfig(); cfg != nil {
		fmt.Printf("  %s: %s · debug=%t\n", tr("field.port"), cfg.Port, cfg.DebugMode)
	}

	names := container.GetNames()
	fmt.Printf("  %s: %d\n", tr("status.registered"), len(names))

	if llmSvc, ok := container.Get(di.ServiceLLM).(*services.LLMService); ok && llmSvc != nil {
		if llmSvc.IsReady() {
			fmt.Printf("  LLM: ✓ %s\n", llmSvc.GetProviderName())
		} else {
			fmt.Printf("  LLM: ✗ %s\n", llmSvc.GetReadyState())
		}
	}

	if storySvc := storyService(); storySvc != nil {
		m := storySvc.Metrics()
		fmt.Printf("  %s: %v (%s %v)\n", tr("status.builds"),
			m["total_builds"], tr("status.failed"), m["failed_builds"])
	}
}

func listServices() {
	fmt.Println("🗂 " + tr("menu.services"))
	container := di.GetContainer()
	if container == nil {
		fmt.Println(tr("err.noContainer"))
		return
	}
	for _, name := range container.GetNames() {
		fmt.Printf("  %-10s %T\n", name, container.Get(name))
	}
}

// --- 输出辅助 ---

const panelWidth = 88

// printPanel 用双线框输出一段带标题的正文，超宽行折行
func printPanel(title, body string) {
	var lines []string
	for _, raw := range strings.Split(body, "\n") {
		lines = append(lines, foldLine(strings.TrimRight(raw, " "), panelWidth)...)
	}

	width := displayWidth(title)
	for _, line := range lines {
		if w := displayWidth(line); w > width {
			width = w
		}
	}

	bar := strings.Repeat("═", width+2)
	fmt.Println("╔" + bar + "╗")
	fmt.Println("║ " + padTo(title, width) + " ║")
	fmt.Println("╠" + bar + "╣")
	for _, line := range lines {
		fmt.Println("║ " + padTo(line, width) + " ║")
	}
	fmt.Println("╚" + bar + "╝")
}

// foldLine 把一行按最大宽度折成多行
func foldLine(line string, max int) []string {
	runes := []rune(line)
	if len(runes) <= max {
		return []string{line}
	}
	var out []string
	for len(runes) > max {
		out = append(out, string(runes[:max]))
		runes = runes[max:]
	}
	return append(out, string(runes))
}

func displayWidth(s string) int { return utf8.RuneCountInString(s) }

func padTo(s string, width int) string {
	if gap := width - displayWidth(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

// clip 截断过长文本并补省略号
func clip(s string, max int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= max {
		return string(runes)
	}
	if max < 2 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "是":
		return true
	}
	return false
}

// --- 文案与语言 ---

var lang = "zh"

func chooseLanguage() {
	answer := prompt("语言 Language (zh/en) [zh]: ")
	if strings.EqualFold(answer, "en") || answer == "1" {
		lang = "en"
	}
}

// tr 取当前语言的文案，缺失时回落中文，再回落键名
func tr(id string) string {
	if lang == "en" {
		if s, ok := textEN[id]; ok {
			return s
		}
	}
	if s, ok := textZH[id]; ok {
		return s
	}
	return id
}

var textZH = map[string]string{
	"menu.header":    "请选择功能:",
	"menu.llm":       "配置LLM",
	"menu.stories":   "管理故事",
	"menu.build":     "构建故事",
	"menu.artifacts": "查看构建产物",
	"menu.export":    "导出故事",
	"menu.config":    "查看当前配置",
	"menu.status":    "服务状态",
	"menu.services":  "服务清单",
	"menu.quit":      "退出",
	"menu.pick":      "输入序号或命令: ",
	"menu.unknown":   "❌ 无效选择，请重试",
	"bye":            "👋 再见！",

	"pick.op":      "操作: ",
	"hint.default": "默认",

	"err.badIndex":      "❌ 序号无效",
	"err.listStories":   "读取故事列表失败",
	"err.noStorySvc":    "❌ 故事服务未初始化",
	"err.noProgressSvc": "❌ 进度服务未初始化",
	"err.noExportSvc":   "❌ 导出服务未初始化",
	"err.noConfig":      "❌ 配置未加载",
	"err.noContainer":   "❌ 服务容器未初始化",

	"story.none":          "（暂无故事，先用 c 创建一个）",
	"story.pick":          "故事序号: ",
	"story.ops":           "  c) 新建  v) 详情  d) 删除  其他) 返回",
	"story.askPremise":    "一句话故事前提: ",
	"story.askTitle":      "标题（可留空）",
	"story.askMaxEvents":  "事件数上限（留空用全局默认）",
	"story.premiseEmpty":  "❌ 前提不能为空",
	"story.createFail":    "创建失败",
	"story.created":       "已创建，ID",
	"story.buildHint":     "💡 到菜单 3 开始构建大纲与章节",
	"story.confirmDelete": "确认删除《%s》? (y/N): ",
	"story.deleteAborted": "已取消",
	"story.deleteFail":    "删除失败",
	"story.deleted":       "✅ 已删除",

	"field.premise":    "前提",
	"field.status":     "状态",
	"field.counts":     "事件/子事件/章节",
	"field.lastError":  "最近错误",
	"field.created":    "创建于",
	"field.updated":    "更新于",
	"field.activeTask": "进行中任务",
	"field.timePlace":  "时间地点",
	"field.goal":       "目标",
	"field.conflict":   "冲突",
	"field.port":       "端口",
	"field.dataDir":    "数据目录",
	"field.logDir":     "日志目录",
	"field.debug":      "调试模式",
	"field.provider":   "LLM提供商",

	"build.llmNotReady": "❌ LLM未就绪，先到菜单 1 配置",
	"build.busy":        "该故事已有任务在跑",
	"build.followTask":  "跟踪其进度? (y/n)",
	"build.stages":      "  o) 大纲  r) 续建大纲  p) 计划  w) 章节成文  f) 全流程  c) 取消当前构建",
	"build.cancelFail":  "取消失败",
	"build.cancelSent":  "✅ 取消信号已发出",
	"build.startFail":   "启动失败",
	"build.started":     "任务已启动",
	"build.taskMissing": "❌ 任务不存在",
	"build.watching":    "跟踪进度中...",
	"build.done":        "✅ 构建完成",

	"artifact.kinds":      "  o) 大纲  p) 计划  c) 章节  其他) 返回",
	"artifact.readFail":   "读取失败",
	"outline.summary":     "事件图：%d 个事件，%d 条关系",
	"outline.askDetail":   "查看某事件详情，输入其 event_id（留空跳过）",
	"outline.noSuchEvent": "❌ 没有这个事件",
	"plan.summary":        "故事计划：%d 个子事件，%d 章",
	"chapters.summary":    "共 %d 章",
	"chapters.askRead":    "阅读第几章（留空跳过）: ",
	"unit.words":          "字",

	"export.askScope":  "导出范围 outline/plan/chapters/full",
	"export.askFormat": "格式 json/markdown/txt",
	"export.fail":      "导出失败",
	"export.ok":        "导出完成",

	"llm.current":      "当前LLM",
	"llm.backends":     "可用提供商:",
	"llm.askProvider":  "提供商",
	"llm.askModel":     "模型",
	"llm.askRotateKey": "已有API密钥，更换? (y/n)",
	"llm.askKey":       "API密钥",
	"llm.keyEmpty":     "❌ 密钥不能为空",
	"llm.saveFail":     "保存失败",
	"llm.swapFail":     "服务热切换失败，建议重启",
	"llm.saved":        "已生效",

	"state.unset":   "未配置",
	"state.present": "已配置 ✓",
	"state.missing": "未配置 ✗",
	"state.masked":  "[已隐藏]",

	"status.registered": "已注册服务",
	"status.builds":     "构建次数",
	"status.failed":     "失败",
}

var textEN = map[string]string{
	"menu.header":    "Pick an action:",
	"menu.llm":       "Configure LLM",
	"menu.stories":   "Manage stories",
	"menu.build":     "Build a story",
	"menu.artifacts": "Inspect artifacts",
	"menu.export":    "Export a story",
	"menu.config":    "Show configuration",
	"menu.status":    "Service status",
	"menu.services":  "Service list",
	"menu.quit":      "Quit",
	"menu.pick":      "Number or command: ",
	"menu.unknown":   "❌ Unknown choice, try again",
	"bye":            "👋 Bye!",

	"pick.op":      "Operation: ",
	"hint.default": "default",

	"err.badIndex":      "❌ Invalid number",
	"err.listStories":   "Failed to list stories",
	"err.noStorySvc":    "❌ Story service not initialized",
	"err.noProgressSvc": "❌ Progress service not initialized",
	"err.noExportSvc":   "❌ Export service not initialized",
	"err.noConfig":      "❌ Configuration not loaded",
	"err.noContainer":   "❌ Service container not initialized",

	"story.none":          "(no stories yet, create one with c)",
	"story.pick":          "Story number: ",
	"story.ops":           "  c) create  v) view  d) delete  other) back",
	"story.askPremise":    "One-line story premise: ",
	"story.askTitle":      "Title (optional)",
	"story.askMaxEvents":  "Max events (empty = global default)",
	"story.premiseEmpty":  "❌ Premise must not be empty",
	"story.createFail":    "Create failed",
	"story.created":       "Created, ID",
	"story.buildHint":     "💡 Use menu 3 to build the outline and chapters",
	"story.confirmDelete": "Delete \"%s\"? (y/N): ",
	"story.deleteAborted": "Cancelled",
	"story.deleteFail":    "Delete failed",
	"story.deleted":       "✅ Deleted",

	"field.premise":    "Premise",
	"field.status":     "Status",
	"field.counts":     "Events/sub-events/chapters",
	"field.lastError":  "Last error",
	"field.created":    "Created",
	"field.updated":    "Updated",
	"field.activeTask": "Active task",
	"field.timePlace":  "Time & place",
	"field.goal":       "Goal",
	"field.conflict":   "Conflict",
	"field.port":       "Port",
	"field.dataDir":    "Data dir",
	"field.logDir":     "Log dir",
	"field.debug":      "Debug mode",
	"field.provider":   "LLM provider",

	"build.llmNotReady": "❌ LLM not ready, configure it via menu 1",
	"build.busy":        "A task is already running for this story",
	"build.followTask":  "Follow its progress? (y/n)",
	"build.stages":      "  o) outline  r) resume outline  p) plan  w) write chapters  f) full pipeline  c) cancel current build",
	"build.cancelFail":  "Cancel failed",
	"build.cancelSent":  "✅ Cancel signal sent",
	"build.startFail":   "Failed to start",
	"build.started":     "Task started",
	"build.taskMissing": "❌ No such task",
	"build.watching":    "Watching progress...",
	"build.done":        "✅ Build finished",

	"artifact.kinds":      "  o) outline  p) plan  c) chapters  other) back",
	"artifact.readFail":   "Read failed",
	"outline.summary":     "Event graph: %d events, %d relations",
	"outline.askDetail":   "Enter an event_id for details (empty to skip)",
	"outline.noSuchEvent": "❌ No such event",
	"plan.summary":        "Story plan: %d sub-events, %d chapters",
	"chapters.summary":    "%d chapters",
	"chapters.askRead":    "Chapter number to read (empty to skip): ",
	"unit.words":          "chars",

	"export.askScope":  "Scope outline/plan/chapters/full",
	"export.askFormat": "Format json/markdown/txt",
	"export.fail":      "Export failed",
	"export.ok":        "Export complete",

	"llm.current":      "Current LLM",
	"llm.backends":     "Available backends:",
	"llm.askProvider":  "Provider",
	"llm.askModel":     "Model",
	"llm.askRotateKey": "API key exists, replace it? (y/n)",
	"llm.askKey":       "API key",
	"llm.keyEmpty":     "❌ Key must not be empty",
	"llm.saveFail":     "Save failed",
	"llm.swapFail":     "Hot swap failed, restart recommended",
	"llm.saved":        "Applied",

	"state.unset":   "not set",
	"state.present": "set ✓",
	"state.missing": "not set ✗",
	"state.masked":  "[hidden]",

	"status.registered": "Registered services",
	"status.builds":     "Builds",
	"status.failed":     "failed",
}
