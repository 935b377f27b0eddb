package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"houseprice/ml"
	"houseprice/pipeline"
)

// MessageType 消息类型
type MessageType string

const (
	TrainingEpoch  MessageType = "training_epoch"
	TrainingStatus MessageType = "training_status"
	PlotUpdate     MessageType = "plot"
	Heartbeat      MessageType = "heartbeat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// 训练历史面板
const (
	HistorySurface = "show.history live"
	HistoryTab     = "Training"
)

// Message 监控消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// Client WebSocket客户端
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu            sync.RWMutex
	subscriptions map[MessageType]bool // 为空时接收全部消息
}

type outbound struct {
	msgType MessageType
	data    []byte
}

// WebSocketHub WebSocket中心
type WebSocketHub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	seq        atomic.Int64
}

// NewWebSocketHub 创建WebSocket中心
func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动WebSocket中心，阻塞直到 Stop
func (h *WebSocketHub) Start() {
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", zap.String("client", client.clientID), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.String("client", client.clientID), zap.Int("total", total))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(message.msgType) {
					continue
				}
				select {
				case client.send <- message.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			// 关闭所有连接
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop 停止WebSocket中心
func (h *WebSocketHub) Stop() {
	h.cancel()
}

// ClientCount 当前连接数
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理WebSocket连接
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 256),
		clientID:      fmt.Sprintf("client_%d", h.seq.Add(1)),
		subscriptions: make(map[MessageType]bool),
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	// 启动客户端协程
	go client.writePump(h.logger)
	go client.readPump(h)
}

// Broadcast 广播消息，队列满时丢弃
func (h *WebSocketHub) Broadcast(msgType MessageType, message []byte) {
	select {
	case h.broadcast <- outbound{msgType: msgType, data: message}:
	default:
		h.logger.Warn("websocket broadcast queue is full, dropping message", zap.String("type", string(msgType)))
	}
}

func (c *Client) wants(t MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

// writePump WebSocket写入泵
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write error", zap.String("client", c.clientID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump WebSocket读取泵
func (c *Client) readPump(h *WebSocketHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	// 服务器的 ReadTimeout 对升级后的连接同样生效，这里改由 pong 续期
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageData, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", zap.String("client", c.clientID), zap.Error(err))
			}
			break
		}

		// 处理客户端消息
		var clientMsg ClientMessage
		if err := json.Unmarshal(messageData, &clientMsg); err != nil {
			h.logger.Debug("failed to parse client message", zap.Error(err))
			continue
		}

		c.handleClientMessage(clientMsg, h.logger)
	}
}

// handleClientMessage 处理客户端消息
func (c *Client) handleClientMessage(msg ClientMessage, logger *zap.Logger) {
	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		c.subscriptions[MessageType(msg.Topic)] = true
		c.mu.Unlock()
		logger.Debug("client subscribed", zap.String("client", c.clientID), zap.String("topic", msg.Topic))
	case "unsubscribe":
		c.mu.Lock()
		delete(c.subscriptions, MessageType(msg.Topic))
		c.mu.Unlock()
		logger.Debug("client unsubscribed", zap.String("client", c.clientID), zap.String("topic", msg.Topic))
	case "ping":
		logger.Debug("ping", zap.String("client", c.clientID))
	}
}

// TrainingMonitor 训练实时监控，作为 pipeline.RunHook 推送每个 epoch 的指标
type TrainingMonitor struct {
	hub     *WebSocketHub
	logger  *zap.Logger
	mu      sync.RWMutex
	running bool
	stats   MonitorStats
}

// MonitorStats 监控统计
type MonitorStats struct {
	ConnectedClients int64         `json:"connected_clients"`
	MessagesSent     int64         `json:"messages_sent"`
	StartTime        time.Time     `json:"start_time"`
	LastMessageTime  time.Time     `json:"last_message_time"`
	Uptime           time.Duration `json:"uptime"`
}

// NewTrainingMonitor 创建训练监控器
func NewTrainingMonitor(logger *zap.Logger) *TrainingMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrainingMonitor{
		hub:    NewWebSocketHub(logger),
		logger: logger,
	}
}

// Start 启动监控器
func (m *TrainingMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor is already running")
	}

	go m.hub.Start()

	m.running = true
	m.stats.StartTime = time.Now()

	m.logger.Info("training monitor started")
	return nil
}

// Stop 停止监控器
func (m *TrainingMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return fmt.Errorf("monitor is not running")
	}

	m.running = false
	m.hub.Stop()

	m.logger.Info("training monitor stopped")
	return nil
}

// Hub 获取WebSocket中心
func (m *TrainingMonitor) Hub() *WebSocketHub {
	return m.hub
}

// OnRunStart 推送训练开始状态
func (m *TrainingMonitor) OnRunStart(run pipeline.RunInfo) {
	m.deliver(TrainingStatus, StatusMessage{
		RunID:   run.ID,
		State:   ml.StateRunning,
		Samples: run.Samples,
		Options: run.Options,
	})
}

// OnEpoch 推送 epoch 指标
func (m *TrainingMonitor) OnEpoch(run pipeline.RunInfo, epoch int, metrics ml.EpochMetrics) {
	m.deliver(TrainingEpoch, EpochMessage{
		RunID:   run.ID,
		Epoch:   epoch,
		Metrics: metrics,
		Surface: Surface{Name: HistorySurface, Tab: HistoryTab},
	})
}

// OnRunEnd 推送训练结束状态
func (m *TrainingMonitor) OnRunEnd(result pipeline.RunResult) {
	status := StatusMessage{
		RunID:   result.Run.ID,
		State:   result.State,
		Samples: result.Run.Samples,
		Options: result.Run.Options,
		Epochs:  len(result.History),
	}
	if result.Err != nil {
		status.Error = result.Err.Error()
	}
	m.deliver(TrainingStatus, status)
}

// SendPlot 推送散点图
func (m *TrainingMonitor) SendPlot(plot pipeline.ScatterPlot) error {
	return m.send(PlotUpdate, plot)
}

// SendHeartbeat 发送心跳
func (m *TrainingMonitor) SendHeartbeat() error {
	return m.send(Heartbeat, HeartbeatMessage{Timestamp: time.Now(), Status: "alive"})
}

// deliver 回调中使用，监控未启动时静默丢弃
func (m *TrainingMonitor) deliver(msgType MessageType, payload interface{}) {
	if err := m.send(msgType, payload); err != nil {
		m.logger.Debug("monitor message dropped", zap.String("type", string(msgType)), zap.Error(err))
	}
}

func (m *TrainingMonitor) send(msgType MessageType, payload interface{}) error {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return fmt.Errorf("monitor is not running")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msgType, err)
	}
	msg := Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
		ID:        fmt.Sprintf("msg_%d", m.hub.seq.Add(1)),
	}
	messageBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	m.hub.Broadcast(msgType, messageBytes)
	m.updateStats()
	return nil
}

// GetStats 获取监控统计
func (m *TrainingMonitor) GetStats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	if m.running {
		stats.Uptime = time.Since(m.stats.StartTime)
	}
	stats.ConnectedClients = int64(m.hub.ClientCount())
	return stats
}

// updateStats 更新统计信息
func (m *TrainingMonitor) updateStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.MessagesSent++
	m.stats.LastMessageTime = time.Now()
}

// 消息结构体定义

// Surface 前端渲染位置
type Surface struct {
	Name string `json:"name"`
	Tab  string `json:"tab"`
}

// EpochMessage epoch 指标消息
type EpochMessage struct {
	RunID   string          `json:"run_id"`
	Epoch   int             `json:"epoch"`
	Metrics ml.EpochMetrics `json:"metrics"`
	Surface Surface         `json:"surface"`
}

// StatusMessage 训练状态消息
type StatusMessage struct {
	RunID   string             `json:"run_id"`
	State   ml.State           `json:"state"`
	Samples int                `json:"samples"`
	Epochs  int                `json:"epochs"`
	Options ml.TrainingOptions `json:"options"`
	Error   string             `json:"error,omitempty"`
}

// HeartbeatMessage 心跳消息
type HeartbeatMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// ClientMessage 客户端消息
type ClientMessage struct {
	Type  string `json:"type"` // subscribe, unsubscribe, ping
	Topic string `json:"topic"`
}
