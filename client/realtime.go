// Package client 提供项目实时状态通道的 Go 客户端。
// 断线按指数退避重连；连续失败过多后降级为定时全量拉取，
// 直到某次重连成功再切回推送模式。
package client

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Update 服务端推送的状态事件（与服务端 Event 同构）
type Update struct {
	Type      string `json:"type"`
	SceneId   string `json:"scene_id,omitempty"`
	EpisodeId string `json:"episode_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Rendered  int    `json:"rendered,omitempty"`
	Total     int    `json:"total,omitempty"`
	Percent   int    `json:"percent,omitempty"`
}

// Refetcher 降级模式下的全量拉取。重连成功后也会调用一次，
// 补上断线期间丢失的事件。
type Refetcher func(ctx context.Context) error

type Options struct {
	// 首次重连等待，之后按 2 的幂递增
	BaseBackoff time.Duration
	// 退避上限
	MaxBackoff time.Duration
	// 连续失败多少次后降级为定时拉取
	DegradeAfter int
	// 降级模式下的拉取间隔
	RefetchInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.DegradeAfter <= 0 {
		o.DegradeAfter = 5
	}
	if o.RefetchInterval <= 0 {
		o.RefetchInterval = 15 * time.Second
	}
}

// Backoff 第 n 次（从 0 计）重连前的等待时长
func (o *Options) Backoff(n int) time.Duration {
	d := o.BaseBackoff
	for i := 0; i < n; i++ {
		d *= 2
		if d >= o.MaxBackoff {
			return o.MaxBackoff
		}
	}
	if d > o.MaxBackoff {
		return o.MaxBackoff
	}
	return d
}

// Realtime 单个项目的实时通道客户端
type Realtime struct {
	url      string
	opts     Options
	refetch  Refetcher
	updates  chan Update
	dialFunc func(ctx context.Context, url string) (wsConn, error)
}

// wsConn 便于测试替换的最小连接面
type wsConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

func dialWS(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func New(url string, refetch Refetcher, opts Options) *Realtime {
	opts.applyDefaults()
	return &Realtime{
		url:      url,
		opts:     opts,
		refetch:  refetch,
		updates:  make(chan Update, 64),
		dialFunc: dialWS,
	}
}

// Updates 推送事件通道，Run 退出时关闭
func (r *Realtime) Updates() <-chan Update {
	return r.updates
}

// Run 维持连接直到 ctx 取消。阻塞，调用方放 goroutine 里跑。
func (r *Realtime) Run(ctx context.Context) {
	defer close(r.updates)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := r.dialFunc(ctx, r.url)
		if err != nil {
			failures++
			log.Printf("[Realtime] 连接失败 (第 %d 次): %v", failures, err)
			if failures >= r.opts.DegradeAfter {
				// 降级：推送不可用期间靠定时全量拉取保底
				if r.degradedLoop(ctx) {
					failures = 0
					continue
				}
				return
			}
			if !sleepCtx(ctx, r.opts.Backoff(failures-1)) {
				return
			}
			continue
		}

		failures = 0
		// 断线窗口里可能漏了事件，先全量对齐
		if r.refetch != nil {
			if err := r.refetch(ctx); err != nil {
				log.Printf("[Realtime] 全量拉取失败: %v", err)
			}
		}
		r.readLoop(ctx, conn)
		conn.Close()
	}
}

// readLoop 读消息直到出错或 ctx 取消
func (r *Realtime) readLoop(ctx context.Context, conn wsConn) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[Realtime] 连接断开: %v", err)
			}
			return
		}
		var u Update
		if err := json.Unmarshal(data, &u); err != nil {
			continue
		}
		select {
		case r.updates <- u:
		case <-ctx.Done():
			return
		}
	}
}

// degradedLoop 定时拉取模式。每轮拉取后试探性重连一次，
// 连上了返回 true 切回推送模式。
func (r *Realtime) degradedLoop(ctx context.Context) bool {
	log.Printf("[Realtime] 降级为定时全量拉取 (间隔 %s)", r.opts.RefetchInterval)
	ticker := time.NewTicker(r.opts.RefetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if r.refetch != nil {
				if err := r.refetch(ctx); err != nil {
					log.Printf("[Realtime] 全量拉取失败: %v", err)
				}
			}
			if conn, err := r.dialFunc(ctx, r.url); err == nil {
				conn.Close()
				log.Printf("[Realtime] 服务恢复，切回推送模式")
				return true
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
