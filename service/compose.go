package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"motionweaver-server/config"
	"motionweaver-server/models"

	"github.com/google/uuid"
)

var (
	ErrComposeActive  = errors.New("该分集已有进行中的合成任务")
	ErrScenesNotReady = errors.New("存在未就绪的场景，不能合成")
	ErrComposeTimeout = errors.New("合成超时")
	ErrNoScenes       = errors.New("没有可合成的场景")
)

// ComposeStore 合成协调器的存储面
type ComposeStore interface {
	ScenesFor(projectID, episodeID string) ([]models.Scene, error)
	CreateTask(t *models.Task) error
	EpisodeAdvance(episodeID, target string) error
	EpisodeSetFinal(episodeID, path string) error
	ProjectAdvance(projectID, target string) error
	ProjectSetFinal(projectID, path string) error
}

// ComposeBackend 合成后端。生产实现包一层 WorkerClient，测试用假实现。
type ComposeBackend interface {
	SubmitCompose(ctx context.Context, params models.ComposeParams) (string, error)
	GetCompose(ctx context.Context, jobID string) (*WorkerJob, error)
	CancelCompose(jobID string) error
}

// activeCompose 在途合成的内存登记，reset 时按它找到要取消的轮询和 worker job
type activeCompose struct {
	taskID string
	jobID  string
}

// Composer 合成协调器。全程只有它写合成进度与终态，
// 轮询循环之外没有第二个写者。
type Composer struct {
	store   ComposeStore
	queue   JobSubmitter
	events  Publisher
	backend ComposeBackend
	rehost  func(sourceURL, objectName string) (string, error)

	mu     sync.Mutex
	active map[string]*activeCompose // projectID/episodeID -> 在途登记
}

func NewComposer(store ComposeStore, queue JobSubmitter, events Publisher, backend ComposeBackend) *Composer {
	return &Composer{
		store:   store,
		queue:   queue,
		events:  events,
		backend: backend,
		rehost:  RehostResource,
		active:  make(map[string]*activeCompose),
	}
}

func composeKey(projectID, episodeID string) string {
	return projectID + "/" + episodeID
}

// ComposeFinal 发起成片合成。要求目标分集（或旧版模式下项目）的场景
// 全部 READY；同一目标的并发第二次发起立即失败。
// 成功后分集进入 COMPOSING 并投递合成任务。
func (c *Composer) ComposeFinal(projectID, episodeID, title string) (string, error) {
	key := composeKey(projectID, episodeID)

	c.mu.Lock()
	if _, ok := c.active[key]; ok {
		c.mu.Unlock()
		return "", ErrComposeActive
	}
	// 先占坑再做校验，失败路径上释放
	c.active[key] = &activeCompose{}
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
	}

	scenes, err := c.store.ScenesFor(projectID, episodeID)
	if err != nil {
		release()
		return "", err
	}
	if len(scenes) == 0 {
		release()
		return "", ErrNoScenes
	}
	videoPaths := make([]string, 0, len(scenes))
	for _, s := range scenes {
		if s.Status != models.SceneStatusReady || s.VideoPath == "" {
			release()
			return "", fmt.Errorf("%w: scene %s status=%s", ErrScenesNotReady, s.ID, s.Status)
		}
		videoPaths = append(videoPaths, s.VideoPath)
	}

	if episodeID != "" {
		if err := c.store.EpisodeAdvance(episodeID, models.EpisodeStatusComposing); err != nil {
			release()
			return "", err
		}
	}

	task := &models.Task{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		EpisodeId: episodeID,
		Kind:      models.TaskKindCompose,
		Status:    models.TaskStatusPending,
		Message:   "合成任务排队中",
		Parameters: models.TaskParameters{
			Compose: &models.ComposeParams{
				VideoPaths: videoPaths,
				Title:      title,
			},
		},
	}
	if err := c.store.CreateTask(task); err != nil {
		c.rollbackStart(projectID, episodeID)
		release()
		return "", err
	}
	if err := c.queue.Submit(task.ID, models.TaskKindCompose); err != nil {
		c.rollbackStart(projectID, episodeID)
		release()
		return "", err
	}

	c.mu.Lock()
	c.active[key].taskID = task.ID
	c.mu.Unlock()

	c.events.Publish(projectID, Event{
		Type:      "entity_update",
		EpisodeId: episodeID,
		Status:    models.EpisodeStatusComposing,
	})
	return task.ID, nil
}

func (c *Composer) rollbackStart(projectID, episodeID string) {
	if episodeID == "" {
		return
	}
	if err := c.store.EpisodeAdvance(episodeID, models.EpisodeStatusProduction); err != nil {
		log.Printf("[Compose] 回退 COMPOSING 失败 episode=%s: %v", episodeID, err)
	}
}

// RunCompose asynq 消费协程里执行：提交后端 job、轮询进度、转存成片、
// 推进终态。后端终态失败、转存失败、时间预算耗尽（ErrComposeTimeout）
// 都把分集留在 COMPOSING，等用户显式 reset 或重试，绝不静默回退；
// 只有提交本身失败（任务从未开始）才回退到 PRODUCTION。
func (c *Composer) RunCompose(ctx context.Context, task *models.Task) (string, error) {
	key := composeKey(task.ProjectId, task.EpisodeId)
	defer func() {
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
	}()

	if task.Parameters.Compose == nil {
		return "", fmt.Errorf("compose parameters missing")
	}

	jobID, err := c.backend.SubmitCompose(ctx, *task.Parameters.Compose)
	if err != nil {
		c.rollbackStart(task.ProjectId, task.EpisodeId)
		return "", fmt.Errorf("合成提交失败: %w", err)
	}

	c.mu.Lock()
	if reg, ok := c.active[key]; ok {
		reg.jobID = jobID
	}
	c.mu.Unlock()

	interval := time.Duration(config.AppConfig.Compose.PollInterval) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}
	maxPolls := config.AppConfig.Compose.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 600
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRendered := -1
	for polls := 0; polls < maxPolls; polls++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("合成轮询被取消: %v", ctx.Err())
		case <-ticker.C:
		}

		job, err := c.backend.GetCompose(ctx, jobID)
		if err != nil {
			log.Printf("[Compose] 轮询网络错误(重试中): %v", err)
			continue
		}
		// 进度推送去重：rendered 没变就不发
		if job.Rendered != lastRendered && job.Total > 0 {
			lastRendered = job.Rendered
			c.events.Publish(task.ProjectId, Event{
				Type:      "compose_progress",
				EpisodeId: task.EpisodeId,
				Rendered:  job.Rendered,
				Total:     job.Total,
				Percent:   job.Rendered * 100 / job.Total,
			})
		}
		if job.Failed() {
			status := models.EpisodeStatusComposing
			if task.EpisodeId == "" {
				status = models.ProjectStatusInProduction
			}
			c.events.Publish(task.ProjectId, Event{
				Type:      "entity_update",
				EpisodeId: task.EpisodeId,
				Status:    status,
				Message:   job.Error,
			})
			return "", fmt.Errorf("合成失败: %s", job.Error)
		}
		if !job.Finished() {
			continue
		}

		objectName := EpisodeFinalObjectName(task.ProjectId, task.EpisodeId)
		finalURL, err := c.rehost(job.ResourceUrl, objectName)
		if err != nil {
			return "", fmt.Errorf("成片转存失败: %w", err)
		}

		if task.EpisodeId != "" {
			if err := c.store.EpisodeSetFinal(task.EpisodeId, finalURL); err != nil {
				return "", err
			}
			if err := c.store.EpisodeAdvance(task.EpisodeId, models.EpisodeStatusCompleted); err != nil {
				return "", err
			}
		} else {
			// 旧版单集模式：成片直接挂项目
			if err := c.store.ProjectSetFinal(task.ProjectId, finalURL); err != nil {
				return "", err
			}
			if err := c.store.ProjectAdvance(task.ProjectId, models.ProjectStatusCompleted); err != nil {
				return "", err
			}
		}

		doneStatus := models.EpisodeStatusCompleted
		if task.EpisodeId == "" {
			doneStatus = models.ProjectStatusCompleted
		}
		c.events.Publish(task.ProjectId, Event{
			Type:      "entity_update",
			EpisodeId: task.EpisodeId,
			Status:    doneStatus,
			Message:   finalURL,
		})
		return finalURL, nil
	}

	return "", ErrComposeTimeout
}

// ResetCompose 放弃在途合成：掐掉轮询、通知 worker 删 job、
// 分集回到 PRODUCTION。没有在途合成时仅做状态回退（崩溃后恢复用）。
func (c *Composer) ResetCompose(projectID, episodeID string) error {
	key := composeKey(projectID, episodeID)

	c.mu.Lock()
	reg, ok := c.active[key]
	if ok {
		delete(c.active, key)
	}
	c.mu.Unlock()

	if ok {
		if reg.taskID != "" {
			CancelPollTask(reg.taskID)
		}
		if reg.jobID != "" {
			if err := c.backend.CancelCompose(reg.jobID); err != nil {
				log.Printf("[Compose] worker 取消失败 job=%s: %v", reg.jobID, err)
			}
		}
	}

	if episodeID != "" {
		if err := c.store.EpisodeAdvance(episodeID, models.EpisodeStatusProduction); err != nil {
			return err
		}
		c.events.Publish(projectID, Event{
			Type:      "entity_update",
			EpisodeId: episodeID,
			Status:    models.EpisodeStatusProduction,
		})
	}
	return nil
}

// workerComposeBackend 包一层 WorkerClient 的生产实现
type workerComposeBackend struct {
	client *WorkerClient
}

func NewWorkerComposeBackend(client *WorkerClient) ComposeBackend {
	return &workerComposeBackend{client: client}
}

func (b *workerComposeBackend) SubmitCompose(ctx context.Context, params models.ComposeParams) (string, error) {
	return b.client.SubmitJob(ctx, models.TaskKindCompose, map[string]interface{}{
		"video_paths": params.VideoPaths,
		"title":       params.Title,
		"bgm_path":    params.BgmPath,
	})
}

func (b *workerComposeBackend) GetCompose(ctx context.Context, jobID string) (*WorkerJob, error) {
	return b.client.GetJob(ctx, jobID)
}

func (b *workerComposeBackend) CancelCompose(jobID string) error {
	return b.client.CancelJob(jobID)
}
