// internal/api/websocket.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// 升级器放行所有Origin，访问控制交给AuthMiddleware
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventsChannel 是全局事件流使用的特殊频道ID
// 订阅该频道的客户端接收所有故事的生命周期事件
const eventsChannel = "events"

// wsConn 抽象底层连接，便于在测试中替换 gorilla 实现
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// gorillaConn 让 *websocket.Conn 满足 wsConn；
// ReadJSON/WriteJSON 由嵌入的连接自动提升
type gorillaConn struct {
	*websocket.Conn
}

// wsClient 一条已升级的客户端连接
// channel 为故事ID或全局事件频道，outbox 由写协程独占关闭，
// done 随 Close 关闭，供挂起的处理器感知断开
type wsClient struct {
	conn     wsConn
	channel  string
	id       string
	outbox   chan []byte
	done     chan struct{}
	closed   int32
	lastSeen atomic.Int64 // unix纳秒，读写协程与清扫协程共同访问
	joinedAt time.Time
}

func newWSClient(conn wsConn, channel, clientID string) *wsClient {
	cl := &wsClient{
		conn:     conn,
		channel:  channel,
		id:       clientID,
		outbox:   make(chan []byte, 256),
		done:     make(chan struct{}),
		joinedAt: time.Now(),
	}
	cl.touch()
	return cl
}

// Close 置位关闭标志并断开底层连接
// 发送通道不在这里关闭，写协程的 defer 负责
func (cl *wsClient) Close() {
	if !atomic.CompareAndSwapInt32(&cl.closed, 0, 1) {
		return
	}
	close(cl.done)
	if cl.conn != nil {
		cl.conn.Close()
	}
}

func (cl *wsClient) IsClosed() bool {
	return atomic.LoadInt32(&cl.closed) == 1
}

// touch 刷新最近活跃时间
func (cl *wsClient) touch() {
	cl.lastSeen.Store(time.Now().UnixNano())
}

// stale 判断连接是否超过时限未活动，零时限视为立即过期
func (cl *wsClient) stale(limit time.Duration) bool {
	if limit <= 0 {
		return true
	}
	return time.Since(time.Unix(0, cl.lastSeen.Load())) > limit
}

// SendMessage 序列化并非阻塞投递一条消息，队列满时丢弃
func (cl *wsClient) SendMessage(payload map[string]interface{}) error {
	if cl.IsClosed() {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	cl.enqueue(raw)
	return nil
}

// enqueue 把原始字节放入发送队列
// 序列化期间连接可能已关闭，入队前再查一次标志
func (cl *wsClient) enqueue(raw []byte) bool {
	if cl.IsClosed() {
		return false
	}

	select {
	case cl.outbox <- raw:
		return true
	default:
		log.Printf("⚠️ 客户端 %s 消息队列已满，消息被丢弃", cl.id)
		return false
	}
}

// wsHub 按频道组织全部客户端，加入、离开、清扫与广播收拢到单协程处理
type wsHub struct {
	mu         sync.RWMutex
	channels   map[string]map[wsConn]*wsClient
	joins      chan *wsClient
	leaves     chan *wsClient
	feed       chan []byte
	quit       chan bool
	staleAfter time.Duration
	sweep      *time.Ticker
}

var hub = &wsHub{
	channels:   make(map[string]map[wsConn]*wsClient),
	joins:      make(chan *wsClient, 256),
	leaves:     make(chan *wsClient, 256),
	feed:       make(chan []byte, 256),
	quit:       make(chan bool, 1),
	staleAfter: 60 * time.Second,
}

func init() {
	go hub.loop()
}

func (h *wsHub) loop() {
	h.sweep = time.NewTicker(30 * time.Second)
	defer h.sweep.Stop()

	for {
		select {
		case cl := <-h.joins:
			h.admit(cl)

		case cl := <-h.leaves:
			h.drop(cl)

		case <-h.sweep.C:
			h.sweepStale()

		case raw := <-h.feed:
			h.fanOut(raw)

		case <-h.quit:
			h.shutdown()
			return
		}
	}
}

// enlist 请求接管一个新客户端，注册队列满时返回false
func (h *wsHub) enlist(cl *wsClient) bool {
	select {
	case h.joins <- cl:
		return true
	default:
		return false
	}
}

// retire 请求注销客户端，等待超时则放弃以免阻塞调用方
// 放弃的客户端最终由清扫协程回收
func (h *wsHub) retire(cl *wsClient, wait time.Duration) bool {
	select {
	case h.leaves <- cl:
		return true
	case <-time.After(wait):
		return false
	}
}

// admit 把客户端挂入其频道
func (h *wsHub) admit(cl *wsClient) {
	if cl == nil {
		log.Printf("⚠️ 尝试注册 nil 客户端，忽略")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	bucket := h.channels[cl.channel]
	if bucket == nil {
		bucket = make(map[wsConn]*wsClient)
		h.channels[cl.channel] = bucket
	}
	bucket[cl.conn] = cl
	cl.touch()

	log.Printf("✅ WebSocket 客户端已连接到频道 %s (客户端: %s)", cl.channel, cl.id)
}

// drop 把客户端从频道摘除并关闭，空频道一并回收
func (h *wsHub) drop(cl *wsClient) {
	if cl == nil {
		log.Printf("⚠️ 尝试注销 nil 客户端，忽略")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if bucket, ok := h.channels[cl.channel]; ok {
		delete(bucket, cl.conn)
		if len(bucket) == 0 {
			delete(h.channels, cl.channel)
		}
	}

	cl.Close()

	log.Printf("🔌 WebSocket 客户端已断开连接 (频道: %s, 客户端: %s)", cl.channel, cl.id)
}

// sweepStale 摘除已关闭或超时未活动的连接
func (h *wsHub) sweepStale() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel, bucket := range h.channels {
		for conn, cl := range bucket {
			if !cl.IsClosed() && !cl.stale(h.staleAfter) {
				continue
			}
			delete(bucket, conn)
			cl.Close()
		}
		if len(bucket) == 0 {
			delete(h.channels, channel)
		}
	}
}

// fanOut 把一条消息送往全部频道的活跃客户端
func (h *wsHub) fanOut(raw []byte) {
	h.mu.RLock()
	targets := make([]*wsClient, 0)
	for _, bucket := range h.channels {
		for _, cl := range bucket {
			if !cl.IsClosed() {
				targets = append(targets, cl)
			}
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, raw)
}

// deliver 批量投递
// 队列满视为慢消费者：前几个走注销流程，其余直接关闭，避免goroutine堆积
func (h *wsHub) deliver(targets []*wsClient, raw []byte) {
	failures := 0
	for _, cl := range targets {
		if cl.IsClosed() {
			continue
		}

		select {
		case cl.outbox <- raw:
		default:
			failures++
			if failures > 5 {
				cl.Close()
				continue
			}
			go func(c *wsClient) {
				c.Close()
				select {
				case h.leaves <- c:
				case <-time.After(50 * time.Millisecond):
				}
			}(cl)
		}
	}
}

// shutdown 关闭全部连接并清空频道表
func (h *wsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Println("🛑 正在关闭 WebSocket 管理器...")

	for _, bucket := range h.channels {
		for _, cl := range bucket {
			cl.Close()
		}
	}
	h.channels = make(map[string]map[wsConn]*wsClient)

	log.Println("✅ WebSocket 管理器已关闭")
}

// snapshot 汇总当前频道与连接信息，调试接口使用
func (h *wsHub) snapshot() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	channels := make(map[string]interface{}, len(h.channels))

	for channel, bucket := range h.channels {
		clients := make([]interface{}, 0, len(bucket))
		for _, cl := range bucket {
			if cl == nil || cl.IsClosed() {
				continue
			}
			clients = append(clients, map[string]interface{}{
				"client_id":    cl.id,
				"story_id":     cl.channel,
				"connected_at": cl.joinedAt.Format(time.RFC3339),
				"last_ping":    time.Unix(0, cl.lastSeen.Load()).Format(time.RFC3339),
			})
		}
		channels[channel] = map[string]interface{}{
			"client_count": len(clients),
			"clients":      clients,
		}
		total += len(clients)
	}

	return map[string]interface{}{
		"total_channels":    len(h.channels),
		"total_connections": total,
		"channels":          channels,
	}
}

// pushToChannel 向指定故事频道广播一条消息
func (h *wsHub) pushToChannel(channel string, payload map[string]interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("❌ 序列化广播消息失败: %v", err)
		return
	}

	h.mu.RLock()
	var targets []*wsClient
	if bucket, ok := h.channels[channel]; ok {
		targets = make([]*wsClient, 0, len(bucket))
		for _, cl := range bucket {
			if !cl.IsClosed() {
				targets = append(targets, cl)
			}
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, raw)
}

// pushToAll 把消息排入全局广播队列，用于故事生命周期事件
func (h *wsHub) pushToAll(payload map[string]interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("❌ 序列化广播消息失败: %v", err)
		return
	}

	select {
	case h.feed <- raw:
	default:
		log.Printf("⚠️ 广播队列已满，消息被丢弃")
	}
}
