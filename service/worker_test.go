package service

import (
	"context"
	"testing"
	"time"

	"motionweaver-server/models"
)

func TestPollCancelRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	RegisterPollCancel("t1", cancel)

	if !CancelPollTask("t1") {
		t.Fatal("已注册的任务应能取消")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("取消应触发 context")
	}

	// 重复取消与未注册取消都返回 false
	if CancelPollTask("t1") {
		t.Error("已取消的任务不应再次命中")
	}
	if CancelPollTask("missing") {
		t.Error("未注册的任务不应命中")
	}
}

func TestUnregisterPollCancel(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	RegisterPollCancel("t2", cancel)
	UnregisterPollCancel("t2")
	if CancelPollTask("t2") {
		t.Error("注销后不应命中")
	}
}

func TestWorkerJobTerminalStates(t *testing.T) {
	for _, st := range []string{"finished", "success", "completed", "succeeded"} {
		j := &WorkerJob{Status: st}
		if !j.Finished() || j.Failed() {
			t.Errorf("%s 应判定为完成", st)
		}
	}
	for _, st := range []string{"failed", "error"} {
		j := &WorkerJob{Status: st}
		if j.Finished() || !j.Failed() {
			t.Errorf("%s 应判定为失败", st)
		}
	}
	j := &WorkerJob{Status: "processing"}
	if j.Finished() || j.Failed() {
		t.Error("processing 不是终态")
	}
}

func TestTimeoutFor(t *testing.T) {
	if timeoutFor(models.TaskKindCompose) != 60*time.Minute {
		t.Error("合成任务超时应为 60 分钟")
	}
	if timeoutFor(models.TaskKindVideo) != 30*time.Minute {
		t.Error("视频任务超时应为 30 分钟")
	}
	if timeoutFor(models.TaskKindImage) != 20*time.Minute {
		t.Error("其余任务超时应为 20 分钟")
	}
}
