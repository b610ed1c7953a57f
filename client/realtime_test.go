package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	opts := Options{}
	opts.applyDefaults()

	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s 被封顶
		{10, 30 * time.Second},
	}
	for _, c := range cases {
		if got := opts.Backoff(c.n); got != c.want {
			t.Errorf("Backoff(%d): got %v want %v", c.n, got, c.want)
		}
	}
}

// fakeConn 按脚本吐消息，脚本耗尽返回错误触发重连
type fakeConn struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return 0, nil, errors.New("connection closed")
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return 1, msg, nil
}

func (f *fakeConn) Close() error { return nil }

func mustJSON(t *testing.T, u Update) []byte {
	t.Helper()
	b, err := json.Marshal(u)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRunDeliversUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &fakeConn{msgs: [][]byte{
		mustJSON(t, Update{Type: "scene_update", SceneId: "s1", Status: "REVIEW"}),
		mustJSON(t, Update{Type: "entity_update", EpisodeId: "e1", Status: "ALL_SCENES_READY"}),
	}}

	refetched := 0
	r := New("ws://test", func(ctx context.Context) error {
		refetched++
		return nil
	}, Options{BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	dials := 0
	r.dialFunc = func(ctx context.Context, url string) (wsConn, error) {
		dials++
		if dials == 1 {
			return conn, nil
		}
		cancel() // 第一条连接断开后结束测试
		return nil, errors.New("refused")
	}

	go r.Run(ctx)

	var got []Update
	for u := range r.Updates() {
		got = append(got, u)
	}
	if len(got) != 2 {
		t.Fatalf("应收到 2 个事件, got %d", len(got))
	}
	if got[0].SceneId != "s1" || got[1].Status != "ALL_SCENES_READY" {
		t.Errorf("事件内容或顺序不对: %+v", got)
	}
	if refetched == 0 {
		t.Error("连接建立后应先全量拉取一次")
	}
}

func TestRunDegradesAfterRepeatedFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	dials := 0
	refetches := 0

	r := New("ws://test", func(ctx context.Context) error {
		mu.Lock()
		refetches++
		n := refetches
		mu.Unlock()
		if n >= 2 {
			cancel()
		}
		return nil
	}, Options{
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		DegradeAfter:    3,
		RefetchInterval: 5 * time.Millisecond,
	})
	r.dialFunc = func(ctx context.Context, url string) (wsConn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("refused")
	}

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run 未退出")
	}

	mu.Lock()
	defer mu.Unlock()
	if dials < 3 {
		t.Errorf("降级前应至少重试 %d 次, got %d", 3, dials)
	}
	if refetches < 2 {
		t.Errorf("降级模式应定时全量拉取, got %d", refetches)
	}
}

func TestRunRecoversFromDegradedMode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	dials := 0

	conn := &fakeConn{msgs: [][]byte{
		mustJSON(t, Update{Type: "scene_update", SceneId: "s1"}),
	}}

	r := New("ws://test", nil, Options{
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		DegradeAfter:    2,
		RefetchInterval: 2 * time.Millisecond,
	})
	r.dialFunc = func(ctx context.Context, url string) (wsConn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		// 前 3 次失败（进入降级），之后恢复
		if n <= 3 {
			return nil, errors.New("refused")
		}
		return conn, nil
	}

	go r.Run(ctx)

	select {
	case u := <-r.Updates():
		if u.SceneId != "s1" {
			t.Errorf("事件不对: %+v", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("降级后应能恢复推送模式")
	}
	cancel()
}
