// internal/storage/story_store.go
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Corphon/StoryWeaverMCP/internal/models"
)

// 故事目录下的固定产物文件名
const (
	storiesDir    = "stories"
	storyFile     = "story.json"
	outlineFile   = "outline.json"
	planFile      = "story_plan.json"
	chaptersFile  = "chapters.json"
	exportsSubdir = "exports"
)

// StoryStore 负责故事构建产物的落盘与读取
// 目录布局：<BaseDir>/stories/<storyID>/ 下存放
// story.json（元信息）、outline.json（事件图）、
// story_plan.json（故事计划）、chapters.json（章节正文），
// 导出文件写入同目录的 exports/ 子目录
type StoryStore struct {
	BaseDir string

	// 并发控制
	fileLocks sync.Map // 文件级别锁 path -> *sync.RWMutex

	// 读缓存
	cache *artifactCache
}

// NewStoryStore 创建故事存储
func NewStoryStore(baseDir string) (*StoryStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, storiesDir), 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	store := &StoryStore{
		BaseDir: baseDir,
		cache:   newArtifactCache(100, defaultCacheTTL),
	}

	// 启动缓存过期清理
	store.cache.StartCleanup()

	return store, nil
}

// 获取文件锁
func (s *StoryStore) lockFor(fullPath string) *sync.RWMutex {
	value, _ := s.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// storyDir 返回指定故事的存储目录
func (s *StoryStore) storyDir(storyID string) string {
	return filepath.Join(s.BaseDir, storiesDir, storyID)
}

// validStoryID 拒绝空ID和带路径分隔符的ID，防止逃出存储目录
func validStoryID(storyID string) error {
	if storyID == "" {
		return fmt.Errorf("故事ID不能为空")
	}
	if storyID == "." || storyID == ".." || strings.ContainsAny(storyID, `/\`) {
		return fmt.Errorf("非法的故事ID: %s", storyID)
	}
	return nil
}

// SaveStory 保存故事元信息
func (s *StoryStore) SaveStory(story *models.Story) error {
	if story == nil || story.ID == "" {
		return fmt.Errorf("故事元信息不完整")
	}
	return s.saveArtifact(story.ID, storyFile, story)
}

// LoadStory 读取故事元信息
func (s *StoryStore) LoadStory(storyID string) (*models.Story, error) {
	var story models.Story
	if err := s.loadArtifact(storyID, storyFile, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

// SaveOutline 保存事件图
func (s *StoryStore) SaveOutline(storyID string, graph *models.EventGraph) error {
	return s.saveArtifact(storyID, outlineFile, graph)
}

// LoadOutline 读取事件图
func (s *StoryStore) LoadOutline(storyID string) (*models.EventGraph, error) {
	var graph models.EventGraph
	if err := s.loadArtifact(storyID, outlineFile, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

// SavePlan 保存故事计划
func (s *StoryStore) SavePlan(storyID string, plan *models.StoryPlan) error {
	return s.saveArtifact(storyID, planFile, plan)
}

// LoadPlan 读取故事计划
func (s *StoryStore) LoadPlan(storyID string) (*models.StoryPlan, error) {
	var plan models.StoryPlan
	if err := s.loadArtifact(storyID, planFile, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// SaveChapters 保存章节正文
func (s *StoryStore) SaveChapters(storyID string, chapters []*models.ChapterText) error {
	return s.saveArtifact(storyID, chaptersFile, chapters)
}

// LoadChapters 读取章节正文
func (s *StoryStore) LoadChapters(storyID string) ([]*models.ChapterText, error) {
	var chapters []*models.ChapterText
	if err := s.loadArtifact(storyID, chaptersFile, &chapters); err != nil {
		return nil, err
	}
	return chapters, nil
}

// StoryExists 检查故事是否存在（以元信息文件为准）
func (s *StoryStore) StoryExists(storyID string) bool {
	return s.artifactExists(storyID, storyFile)
}

// HasOutline 检查故事是否已有事件图
func (s *StoryStore) HasOutline(storyID string) bool {
	return s.artifactExists(storyID, outlineFile)
}

// HasPlan 检查故事是否已有故事计划
func (s *StoryStore) HasPlan(storyID string) bool {
	return s.artifactExists(storyID, planFile)
}

// HasChapters 检查故事是否已有章节正文
func (s *StoryStore) HasChapters(storyID string) bool {
	return s.artifactExists(storyID, chaptersFile)
}

// ListStoryIDs 列出全部已存在的故事ID
func (s *StoryStore) ListStoryIDs() ([]string, error) {
	root := filepath.Join(s.BaseDir, storiesDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取存储目录失败: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// DeleteStory 删除故事及其全部产物
func (s *StoryStore) DeleteStory(storyID string) error {
	if err := validStoryID(storyID); err != nil {
		return err
	}
	dir := s.storyDir(storyID)

	// 以目录路径作为锁键
	lock := s.lockFor(dir)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("故事不存在: %s", storyID)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("删除故事目录失败: %w", err)
	}

	// 清除该故事的全部缓存条目
	s.cache.InvalidatePrefix(dir)

	return nil
}

// DeletePlan 删除故事计划，大纲重建后旧计划即失效
// 文件不存在时视为已删除
func (s *StoryStore) DeletePlan(storyID string) error {
	return s.deleteArtifact(storyID, planFile)
}

// DeleteChapters 删除章节正文，计划重排后旧正文即失效
// 文件不存在时视为已删除
func (s *StoryStore) DeleteChapters(storyID string) error {
	return s.deleteArtifact(storyID, chaptersFile)
}

// deleteArtifact 幂等删除故事目录下的一个产物文件
func (s *StoryStore) deleteArtifact(storyID, filename string) error {
	if err := validStoryID(storyID); err != nil {
		return err
	}
	fullPath := filepath.Join(s.storyDir(storyID), filename)

	lock := s.lockFor(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除文件失败: %w", err)
	}

	s.cache.Invalidate(fullPath)
	return nil
}

// SaveExport 将导出内容写入故事的 exports 子目录，返回文件完整路径
func (s *StoryStore) SaveExport(storyID, filename string, content []byte) (string, error) {
	if err := validStoryID(storyID); err != nil {
		return "", err
	}
	if filename == "" || filename == "." || filename == ".." || strings.ContainsAny(filename, `/\`) {
		return "", fmt.Errorf("非法的导出文件名: %s", filename)
	}

	dir := filepath.Join(s.storyDir(storyID), exportsSubdir)
	if err := s.writeFile(dir, filename, content); err != nil {
		return "", err
	}
	return filepath.Join(dir, filename), nil
}

// saveArtifact 序列化并写入故事目录下的一个产物文件
func (s *StoryStore) saveArtifact(storyID, filename string, data interface{}) error {
	if err := validStoryID(storyID); err != nil {
		return err
	}

	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	return s.writeFile(s.storyDir(storyID), filename, content)
}

// loadArtifact 读取并解析故事目录下的一个产物文件
func (s *StoryStore) loadArtifact(storyID, filename string, v interface{}) error {
	if err := validStoryID(storyID); err != nil {
		return err
	}

	content, err := s.readFile(s.storyDir(storyID), filename)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}
	return nil
}

// artifactExists 检查故事目录下的产物文件是否存在
func (s *StoryStore) artifactExists(storyID, filename string) bool {
	if validStoryID(storyID) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.storyDir(storyID), filename))
	return err == nil && !info.IsDir()
}

// writeFile 原子性写入文件：先写临时文件再改名
func (s *StoryStore) writeFile(dir, filename string, content []byte) error {
	fullPath := filepath.Join(dir, filename)

	lock := s.lockFor(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"

	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			fmt.Printf("警告: 改名失败后清理临时文件 %s 失败: %v\n", tempPath, removeErr)
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}

	// 写入成功后旧缓存作废
	s.cache.Invalidate(fullPath)

	return nil
}

// readFile 读取文件，优先命中缓存
func (s *StoryStore) readFile(dir, filename string) ([]byte, error) {
	fullPath := filepath.Join(dir, filename)

	if data, ok := s.cache.Get(fullPath); ok {
		return data, nil
	}

	lock := s.lockFor(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	// 双重检查缓存
	if data, ok := s.cache.Get(fullPath); ok {
		return data, nil
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	s.cache.Put(fullPath, content)

	return content, nil
}
