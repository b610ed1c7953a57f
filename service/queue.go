package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"motionweaver-server/config"
	"motionweaver-server/models"

	"github.com/hibiken/asynq"
)

const TypeRunTask = "task:run"

type TaskPayload struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
}

// JobSubmitter 抽象任务提交，派发器据此判断提交失败并回滚乐观状态
type JobSubmitter interface {
	Submit(taskID, kind string) error
}

var QueueClient *asynq.Client

func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// 不同任务类型的超时：媒体生成走显卡较慢，合成整片最慢
func timeoutFor(kind string) time.Duration {
	switch kind {
	case models.TaskKindCompose:
		return 60 * time.Minute
	case models.TaskKindVideo:
		return 30 * time.Minute
	default:
		return 20 * time.Minute
	}
}

// EnqueueTask 生成任务入队
func EnqueueTask(taskID, kind string) error {
	payload, err := json.Marshal(TaskPayload{TaskID: taskID, Kind: kind})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeRunTask, payload,
		asynq.MaxRetry(3),
		asynq.Timeout(timeoutFor(kind)),
		asynq.Retention(24*time.Hour),
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[Queue] Task Enqueued: TaskID=%s, Kind=%s, QueueID=%s", taskID, kind, info.ID)
	return nil
}

// queueSubmitter 生产环境的 JobSubmitter 实现
type queueSubmitter struct{}

func NewQueueSubmitter() JobSubmitter {
	return queueSubmitter{}
}

func (queueSubmitter) Submit(taskID, kind string) error {
	return EnqueueTask(taskID, kind)
}
