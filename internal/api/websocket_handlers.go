// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/StoryWeaverMCP/internal/di"
	"github.com/Corphon/StoryWeaverMCP/internal/services"
)

// WebSocketHandler 负责WebSocket升级与频道消息分发
type WebSocketHandler struct {
	storyService    *services.StoryService
	progressService *services.ProgressService
}

// NewWebSocketHandler 从服务容器取依赖并构建处理器
func NewWebSocketHandler() *WebSocketHandler {
	container := di.GetContainer()

	return &WebSocketHandler{
		storyService:    container.MustGet(di.ServiceStory).(*services.StoryService),
		progressService: container.MustGet(di.ServiceProgress).(*services.ProgressService),
	}
}

// StoryWebSocket 处理故事频道 WebSocket 连接
// 客户端连接后接收该故事的构建进度与状态变更推送
func (wh *WebSocketHandler) StoryWebSocket(c *gin.Context) {
	storyID := c.Param("id")
	if storyID == "" {
		log.Printf("❌ WebSocket 连接失败：故事ID缺失")
		http.Error(c.Writer, "故事ID缺失", http.StatusBadRequest)
		return
	}

	// 升级前确认故事存在，避免为无效ID维持连接
	if _, err := wh.storyService.GetStory(storyID); err != nil {
		log.Printf("❌ WebSocket 连接失败：%v", err)
		http.Error(c.Writer, "故事不存在", http.StatusNotFound)
		return
	}

	cl, ok := wh.attachClient(c, storyID)
	if !ok {
		return
	}
	defer hub.retire(cl, 5*time.Second)

	cl.SendMessage(map[string]interface{}{
		"type":      "connected",
		"story_id":  storyID,
		"client_id": cl.id,
		"timestamp": time.Now().Format(time.RFC3339),
		"message":   "WebSocket 连接已建立",
	})

	// 挂起直到连接关闭。升级后的连接已脱离 http.Server 管理，
	// 请求上下文不会随对端断开而取消，以客户端的 done 信号为准
	select {
	case <-cl.done:
	case <-c.Request.Context().Done():
	}
	log.Printf("📱 故事 %s 的 WebSocket 连接已关闭 (客户端: %s)", storyID, cl.id)
}

// EventsWebSocket 处理全局事件流 WebSocket 连接
// 订阅者接收所有故事的创建、删除与构建完成事件
func (wh *WebSocketHandler) EventsWebSocket(c *gin.Context) {
	cl, ok := wh.attachClient(c, eventsChannel)
	if !ok {
		return
	}
	defer hub.retire(cl, 5*time.Second)

	cl.SendMessage(map[string]interface{}{
		"type":      "events_connected",
		"client_id": cl.id,
		"timestamp": time.Now().Format(time.RFC3339),
		"message":   "事件流连接已建立",
	})

	wh.keepAlive(c, cl)
}

// attachClient 升级HTTP连接并把新客户端挂入指定频道，随后启动读写协程
func (wh *WebSocketHandler) attachClient(c *gin.Context, channel string) (*wsClient, bool) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ WebSocket 升级失败 (频道: %s): %v", channel, err)
		return nil, false
	}

	cl := newWSClient(&gorillaConn{conn}, channel, c.DefaultQuery("client_id", "anonymous"))
	if !hub.enlist(cl) {
		log.Printf("❌ 无法注册 WebSocket 客户端，注册通道已满")
		conn.Close()
		return nil, false
	}

	go wh.writePump(cl)
	go wh.readPump(cl)
	return cl, true
}

// readPump 消费入站消息直到连接出错或关闭
func (wh *WebSocketHandler) readPump(cl *wsClient) {
	defer func() {
		if !cl.IsClosed() {
			if !hub.retire(cl, time.Second) {
				log.Printf("⚠️ 读取协程关闭时注销超时")
			}
		}
	}()

	const readWindow = 60 * time.Second
	cl.conn.SetReadDeadline(time.Now().Add(readWindow))
	cl.conn.SetPongHandler(func(string) error {
		cl.touch()
		cl.conn.SetReadDeadline(time.Now().Add(readWindow))
		return nil
	})

	for !cl.IsClosed() {
		cl.conn.SetReadDeadline(time.Now().Add(readWindow))

		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			return
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("⚠️ 客户端消息解析失败: %v", err)
			continue
		}

		cl.touch()
		wh.dispatch(cl, msg)
	}
}

// writePump 把出站队列写到连接上，并按周期发送协议层ping
func (wh *WebSocketHandler) writePump(cl *wsClient) {
	const (
		writeWindow = 10 * time.Second
		pingEvery   = 54 * time.Second
	)

	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()

		// 先经 Close 置位标志并断开连接，再关闭发送通道，重复关闭依赖recover兜底
		cl.Close()
		func() {
			defer func() { _ = recover() }()
			close(cl.outbox)
		}()
	}()

	for {
		select {
		case raw, ok := <-cl.outbox:
			if cl.IsClosed() {
				return
			}

			cl.conn.SetWriteDeadline(time.Now().Add(writeWindow))
			if !ok {
				// 通道已关闭，发送关闭帧
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				log.Printf("❌ WebSocket 写入失败: %v", err)
				return
			}

		case <-ticker.C:
			if cl.IsClosed() {
				return
			}

			cl.conn.SetWriteDeadline(time.Now().Add(writeWindow))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("❌ WebSocket ping 失败: %v", err)
				return
			}
			cl.touch()
		}
	}
}

// dispatch 按消息类型分发客户端指令
func (wh *WebSocketHandler) dispatch(cl *wsClient, msg map[string]interface{}) {
	kind, ok := msg["type"].(string)
	if !ok {
		log.Printf("⚠️ 消息缺少type字段，已忽略")
		return
	}

	switch kind {
	case "get_status":
		wh.pushStatus(cl)
	case "cancel_build":
		wh.cancelBuild(cl)
	case "ping":
		cl.SendMessage(map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().Unix(),
		})
	default:
		log.Printf("⚠️ 未知的消息类型: %s", kind)
	}
}

// pushStatus 推送故事当前状态快照
func (wh *WebSocketHandler) pushStatus(cl *wsClient) {
	if cl.channel == eventsChannel {
		wh.pushError(cl, "事件流频道不支持状态查询")
		return
	}

	story, err := wh.storyService.GetStory(cl.channel)
	if err != nil {
		wh.pushError(cl, "读取故事失败: "+err.Error())
		return
	}

	msg := map[string]interface{}{
		"type":            "story:status",
		"story_id":        story.ID,
		"status":          string(story.Status),
		"event_count":     story.EventCount,
		"sub_event_count": story.SubEventCount,
		"chapter_count":   story.ChapterCount,
		"timestamp":       time.Now().Format(time.RFC3339),
	}
	if story.LastError != "" {
		msg["last_error"] = story.LastError
	}
	if taskID, busy := wh.storyService.ActiveTask(cl.channel); busy {
		msg["active_task_id"] = taskID
	}

	cl.SendMessage(msg)
}

// cancelBuild 取消当前故事的构建任务
func (wh *WebSocketHandler) cancelBuild(cl *wsClient) {
	if cl.channel == eventsChannel {
		wh.pushError(cl, "事件流频道不支持取消操作")
		return
	}

	if err := wh.storyService.CancelBuild(cl.channel); err != nil {
		wh.pushError(cl, "取消构建失败: "+err.Error())
		return
	}

	cl.SendMessage(map[string]interface{}{
		"type":      "build:cancel_requested",
		"story_id":  cl.channel,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// BridgeTaskProgress 把构建任务的进度更新转发到故事频道
// 任务结束时向全局事件流广播终态，随后退出
func (wh *WebSocketHandler) BridgeTaskProgress(storyID, taskID string) {
	tracker, ok := wh.progressService.GetTracker(taskID)
	if !ok {
		return
	}

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	for update := range updates {
		hub.pushToChannel(storyID, map[string]interface{}{
			"type":      "build:progress",
			"story_id":  storyID,
			"task_id":   taskID,
			"progress":  update.Progress,
			"message":   update.Message,
			"status":    update.Status,
			"timestamp": time.Now().Format(time.RFC3339),
		})

		if update.Terminal() {
			hub.pushToAll(map[string]interface{}{
				"type":      "build:finished",
				"story_id":  storyID,
				"task_id":   taskID,
				"status":    update.Status,
				"message":   update.Message,
				"timestamp": time.Now().Format(time.RFC3339),
			})
			return
		}
	}
}

// keepAlive 周期性发送应用层心跳直到连接关闭
func (wh *WebSocketHandler) keepAlive(c *gin.Context, cl *wsClient) {
	const beatEvery = 30 * time.Second

	ticker := time.NewTicker(beatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cl.IsClosed() {
				return
			}
			cl.SendMessage(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Unix(),
			})

		case <-cl.done:
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}

// pushError 向客户端发送错误消息
func (wh *WebSocketHandler) pushError(cl *wsClient, detail string) {
	cl.SendMessage(map[string]interface{}{
		"type":      "error",
		"error":     detail,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
