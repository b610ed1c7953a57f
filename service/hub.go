package service

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"motionweaver-server/config"

	"github.com/redis/go-redis/v9"
)

// 频道前缀：worker 协程发布，WebSocket 处理器订阅后转发给浏览器
const channelPrefix = "motionweaver:ws:"

// Event 实时频道上的统一事件结构。
// 同一场景的事件顺序必须保持；不同场景之间不保证顺序。
// 投递语义为至少一次，客户端对重复的相同更新须幂等。
type Event struct {
	Type      string `json:"type"` // scene_update / entity_update / compose_progress
	SceneId   string `json:"scene_id,omitempty"`
	EpisodeId string `json:"episode_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Rendered  int    `json:"rendered,omitempty"`
	Total     int    `json:"total,omitempty"`
	Percent   int    `json:"percent,omitempty"`
}

// Publisher 供派发器/合成器发布事件，测试用假实现
type Publisher interface {
	Publish(projectID string, ev Event)
}

// 每个连接的发送缓冲。写满说明客户端消费太慢，直接断开让它重连后全量刷新。
const subscriberBuffer = 64

type subscriber struct {
	ch chan Event
}

// Hub 按项目维度管理订阅者，事件经 Redis Pub/Sub 走一条单一路径：
// 发布方 -> Redis 频道 -> 本进程中继 -> 各连接 FIFO 缓冲。
// 单一路径保证了同一场景事件的有序转发。
type Hub struct {
	rdb *redis.Client

	mu       sync.Mutex
	subs     map[string]map[*subscriber]bool
	relaying map[string]context.CancelFunc
}

func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		rdb:      rdb,
		subs:     make(map[string]map[*subscriber]bool),
		relaying: make(map[string]context.CancelFunc),
	}
}

func NewRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// Publish 发布事件到项目频道。尽力而为：发布失败只记日志，不让业务失败。
func (h *Hub) Publish(projectID string, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Hub] 事件序列化失败: %v", err)
		return
	}
	if err := h.rdb.Publish(context.Background(), channelPrefix+projectID, b).Err(); err != nil {
		log.Printf("[Hub] 发布事件失败 project=%s: %v", projectID, err)
	}
}

// Subscribe 注册一个项目订阅者，返回事件通道和注销函数。
// 第一个订阅者到来时启动该项目的 Redis 中继协程。
func (h *Hub) Subscribe(projectID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[*subscriber]bool)
	}
	h.subs[projectID][sub] = true
	if _, ok := h.relaying[projectID]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		h.relaying[projectID] = cancel
		go h.relay(ctx, projectID)
	}
	total := len(h.subs[projectID])
	h.mu.Unlock()

	log.Printf("[Hub] 订阅 project=%s (total=%d)", projectID, total)
	return sub.ch, func() { h.unsubscribe(projectID, sub) }
}

func (h *Hub) unsubscribe(projectID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[projectID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, projectID)
			if cancel, ok := h.relaying[projectID]; ok {
				cancel()
				delete(h.relaying, projectID)
			}
		}
	}
}

// relay 从 Redis 频道读消息并分发给本进程的所有订阅者
func (h *Hub) relay(ctx context.Context, projectID string) {
	pubsub := h.rdb.Subscribe(ctx, channelPrefix+projectID)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			h.broadcast(projectID, ev)
		}
	}
}

// broadcast 写入各订阅者的 FIFO 缓冲；写不进去的订阅者直接踢掉
func (h *Hub) broadcast(projectID string, ev Event) {
	h.mu.Lock()
	var dead []*subscriber
	for sub := range h.subs[projectID] {
		select {
		case sub.ch <- ev:
		default:
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		delete(h.subs[projectID], sub)
		close(sub.ch)
	}
	h.mu.Unlock()

	if len(dead) > 0 {
		log.Printf("[Hub] 踢掉 %d 个消费过慢的订阅者 project=%s", len(dead), projectID)
	}
}
