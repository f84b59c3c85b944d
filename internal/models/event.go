// internal/models/event.go
package models

import "sort"

// RelationType 表示事件之间关系的类型
type RelationType string

const (
	// RelationCausal 因果关系：一个事件导致另一个事件
	RelationCausal RelationType = "causal"
	// RelationTemporal 时间关系：一个事件在时间上接续另一个事件
	RelationTemporal RelationType = "temporal"
	// RelationThematic 主题关系：两个事件共享主题或母题
	RelationThematic RelationType = "thematic"
)

// Character 表示事件中某个角色的瞬时状态快照
// 只依附于单个事件，不具有独立生命周期
type Character struct {
	Name  string `json:"name"`  // 角色名称
	Role  string `json:"role"`  // 角色定位，如 protagonist
	State string `json:"state"` // 当前状态，如 wounded
}

// Relation 表示事件图中的一条有向边
// 两端必须引用同一张图中存在的事件
type Relation struct {
	Type          RelationType `json:"type"`
	SourceEventID string       `json:"source_event_id"`
	TargetEventID string       `json:"target_event_id"`
	Rationale     string       `json:"rationale"`
}

// Key 返回关系的去重键（类型+两端ID）
func (r Relation) Key() string {
	return string(r.Type) + "|" + r.SourceEventID + "|" + r.TargetEventID
}

// Event 表示故事大纲中的一个原子叙事节点
// 一旦被接受进入事件图即不可变，唯一例外是冲突消解期间的ID改写
type Event struct {
	EventID        string      `json:"event_id"` // 唯一稳定标识，如 E1
	Title          string      `json:"title"`
	Summary        string      `json:"summary"`
	Time           string      `json:"time"`     // 事件发生时间（叙事时间，非物理时间戳）
	Location       string      `json:"location"` // 事件发生地点
	Characters     []Character `json:"characters"`
	Goal           string      `json:"goal"`     // 事件要达成的目标
	Conflict       string      `json:"conflict"` // 事件中的冲突
	NoveltyScore   float64     `json:"novelty_score"`   // 新颖度 0-1
	CoherenceScore float64     `json:"coherence_score"` // 连贯度 0-1
}

// Clone 返回事件的深拷贝
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Characters != nil {
		cp.Characters = make([]Character, len(e.Characters))
		copy(cp.Characters, e.Characters)
	}
	return &cp
}

// EventGraph 表示故事大纲：以 event_id 为键的事件集合加上关系边集
// 不变式：
//  1. 节点ID唯一（map 键天然保证）
//  2. 每条边的 source/target 都存在于 Nodes 中
//  3. EventOrder 记录事件被接受的先后次序，序列化后仍可还原
type EventGraph struct {
	Nodes      map[string]*Event `json:"nodes"`
	Edges      []Relation        `json:"edges"`
	EventOrder []string          `json:"event_order"`
}

// NewEventGraph 创建空事件图
func NewEventGraph() *EventGraph {
	return &EventGraph{
		Nodes:      make(map[string]*Event),
		Edges:      make([]Relation, 0),
		EventOrder: make([]string, 0),
	}
}

// Size 返回已接受事件数量
func (g *EventGraph) Size() int {
	if g == nil {
		return 0
	}
	return len(g.Nodes)
}

// Contains 判断指定ID的事件是否已在图中
func (g *EventGraph) Contains(eventID string) bool {
	if g == nil || g.Nodes == nil {
		return false
	}
	_, ok := g.Nodes[eventID]
	return ok
}

// AddEvent 将事件加入图中并记录接受顺序
// 调用方必须先完成ID冲突消解；同ID重复加入只覆盖内容，不重复记序
func (g *EventGraph) AddEvent(event *Event) {
	if event == nil || event.EventID == "" {
		return
	}
	if g.Nodes == nil {
		g.Nodes = make(map[string]*Event)
	}
	if _, exists := g.Nodes[event.EventID]; !exists {
		g.EventOrder = append(g.EventOrder, event.EventID)
	}
	g.Nodes[event.EventID] = event
}

// Events 按接受顺序返回事件列表
// 对反序列化等场景中 EventOrder 与 Nodes 不一致的情况做容错：
// 次序表中失效的ID被跳过，缺失的ID按字典序补在末尾
func (g *EventGraph) Events() []*Event {
	if g == nil || len(g.Nodes) == 0 {
		return nil
	}

	events := make([]*Event, 0, len(g.Nodes))
	seen := make(map[string]bool, len(g.Nodes))
	for _, id := range g.EventOrder {
		if event, ok := g.Nodes[id]; ok && !seen[id] {
			events = append(events, event)
			seen[id] = true
		}
	}

	if len(events) < len(g.Nodes) {
		rest := make([]string, 0, len(g.Nodes)-len(events))
		for id := range g.Nodes {
			if !seen[id] {
				rest = append(rest, id)
			}
		}
		sort.Strings(rest)
		for _, id := range rest {
			events = append(events, g.Nodes[id])
		}
	}
	return events
}

// EventIDs 按接受顺序返回全部事件ID
func (g *EventGraph) EventIDs() []string {
	events := g.Events()
	ids := make([]string, len(events))
	for i, event := range events {
		ids[i] = event.EventID
	}
	return ids
}

// Clone 返回事件图的深拷贝
// 大纲构建以"先拷贝、后修改"的所有权转移方式推进，禁止别名共享
func (g *EventGraph) Clone() *EventGraph {
	if g == nil {
		return NewEventGraph()
	}
	cp := NewEventGraph()
	for id, event := range g.Nodes {
		cp.Nodes[id] = event.Clone()
	}
	cp.EventOrder = make([]string, len(g.EventOrder))
	copy(cp.EventOrder, g.EventOrder)
	cp.Edges = make([]Relation, len(g.Edges))
	copy(cp.Edges, g.Edges)
	return cp
}

// CheckIntegrity 校验引用完整性：所有边的两端都必须指向图中事件
// 返回首个违规边的描述；图合法时返回空串
func (g *EventGraph) CheckIntegrity() string {
	for _, edge := range g.Edges {
		if !g.Contains(edge.SourceEventID) {
			return "悬空边: 源事件 " + edge.SourceEventID + " 不存在"
		}
		if !g.Contains(edge.TargetEventID) {
			return "悬空边: 目标事件 " + edge.TargetEventID + " 不存在"
		}
	}
	return ""
}
