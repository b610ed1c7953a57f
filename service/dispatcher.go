package service

import (
	"fmt"
	"log"
	"time"

	"motionweaver-server/models"

	"github.com/google/uuid"
)

// SceneStore 派发器需要的最小存储面，生产实现走 GORM，测试用内存假实现
type SceneStore interface {
	GetScene(id string) (*models.Scene, error)
	UpdateScene(id string, fields map[string]interface{}) error
	ScenesByEpisode(episodeID string) ([]models.Scene, error)
	ScenesByProject(projectID string) ([]models.Scene, error)
	CreateTask(t *models.Task) error
}

// Outcome 一次后台任务的终态。每个 job 恰好回报一次。
type Outcome struct {
	Kind         string
	Success      bool
	ArtifactPath string
	AudioPath    string // 图片任务可附带旁白音频（worker 同批生成）
	Duration     float64
	Err          string
}

type DispatchedJob struct {
	SceneId string `json:"scene_id"`
	JobId   string `json:"job_id"`
}

type BatchResult struct {
	Dispatched int             `json:"dispatched"`
	Jobs       []DispatchedJob `json:"jobs"`
}

// Dispatcher 把一次用户动作扇出成 N 个独立任务，并把各任务结果聚合回实体状态。
// 派发时同步乐观翻转场景状态；提交失败立刻回退到 ERROR，绝不留在在途状态。
type Dispatcher struct {
	store  SceneStore
	queue  JobSubmitter
	events Publisher
}

func NewDispatcher(store SceneStore, queue JobSubmitter, events Publisher) *Dispatcher {
	return &Dispatcher{store: store, queue: queue, events: events}
}

// DispatchBatch 批量派发。不可派发的场景静默跳过（在途状态的排除
// 同时就是"同一场景不并发派发"的守卫）。
func (d *Dispatcher) DispatchBatch(sceneIDs []string, kind string) (BatchResult, error) {
	if kind != models.TaskKindAudio && kind != models.TaskKindImage && kind != models.TaskKindVideo {
		return BatchResult{}, fmt.Errorf("unsupported dispatch kind: %s", kind)
	}

	var res BatchResult
	for _, id := range sceneIDs {
		scene, err := d.store.GetScene(id)
		if err != nil {
			log.Printf("[Dispatch] 场景不存在 %s: %v", id, err)
			continue
		}
		if !scene.DispatchableFor(kind) {
			continue
		}
		job, err := d.dispatchOne(scene, kind)
		if err != nil {
			// dispatchOne 已把场景回退到 ERROR
			log.Printf("[Dispatch] 派发失败 scene=%s kind=%s: %v", id, kind, err)
			continue
		}
		res.Jobs = append(res.Jobs, job)
		res.Dispatched++
	}
	return res, nil
}

// dispatchOne 两阶段：先落乐观在途状态（intent recorded），再提交队列（confirmed）。
// 提交失败回退 ERROR，这是一个显式分支而不是兜底 catch。
func (d *Dispatcher) dispatchOne(scene *models.Scene, kind string) (DispatchedJob, error) {
	task := &models.Task{
		ID:        uuid.NewString(),
		ProjectId: scene.ProjectId,
		EpisodeId: scene.EpisodeId,
		SceneId:   scene.ID,
		Kind:      kind,
		Status:    models.TaskStatusPending,
		Message:   "生成任务排队中",
		Parameters: models.TaskParameters{
			Scene: &models.SceneParams{
				SceneId:      scene.ID,
				DialogueText: scene.DialogueText,
				PromptVisual: scene.PromptVisual,
				PromptMotion: scene.PromptMotion,
				SfxText:      scene.SfxText,
				ImagePath:    scene.ImagePath,
				AudioPath:    scene.AudioPath,
				ImageWidth:   "1024",
				ImageHeight:  "1024",
			},
		},
	}

	inFlight := models.InFlightStatusFor(kind)
	if err := d.store.UpdateScene(scene.ID, map[string]interface{}{
		"status":        inFlight,
		"active_job_id": task.ID,
		"error_message": "",
		"updated_at":    time.Now(),
	}); err != nil {
		return DispatchedJob{}, fmt.Errorf("乐观状态写入失败: %w", err)
	}

	if err := d.store.CreateTask(task); err != nil {
		d.revertToError(scene, task.ID, fmt.Sprintf("任务落库失败: %v", err))
		return DispatchedJob{}, err
	}
	if err := d.queue.Submit(task.ID, kind); err != nil {
		d.revertToError(scene, task.ID, fmt.Sprintf("任务提交失败: %v", err))
		return DispatchedJob{}, err
	}

	d.events.Publish(scene.ProjectId, Event{
		Type:      "scene_update",
		SceneId:   scene.ID,
		EpisodeId: scene.EpisodeId,
		Status:    inFlight,
	})
	return DispatchedJob{SceneId: scene.ID, JobId: task.ID}, nil
}

func (d *Dispatcher) revertToError(scene *models.Scene, jobID, msg string) {
	if err := d.store.UpdateScene(scene.ID, map[string]interface{}{
		"status":        models.SceneStatusError,
		"error_message": msg,
		"active_job_id": "",
		"updated_at":    time.Now(),
	}); err != nil {
		log.Printf("[Dispatch] 回退 ERROR 失败 scene=%s: %v", scene.ID, err)
		return
	}
	d.events.Publish(scene.ProjectId, Event{
		Type:      "scene_update",
		SceneId:   scene.ID,
		EpisodeId: scene.EpisodeId,
		Status:    models.SceneStatusError,
		Message:   msg,
	})
}

// Settle 任务终态回调落账。以 job id 做围栏：过期重试的回调晚到时
// 按 job id 判定归属，而不是按到达顺序，杜绝旧结果覆盖新结果。
func (d *Dispatcher) Settle(jobID, sceneID string, outcome Outcome) error {
	scene, err := d.store.GetScene(sceneID)
	if err != nil {
		return fmt.Errorf("settle: scene not found: %w", err)
	}
	if scene.ActiveJobId != jobID {
		log.Printf("[Settle] 忽略过期回调 scene=%s job=%s active=%s", sceneID, jobID, scene.ActiveJobId)
		return nil
	}

	if !outcome.Success {
		if err := d.store.UpdateScene(sceneID, map[string]interface{}{
			"status":        models.SceneStatusError,
			"error_message": outcome.Err,
			"active_job_id": "",
			"updated_at":    time.Now(),
		}); err != nil {
			return err
		}
		// 完整错误已落库，推送给前端的做截断
		scene.ErrorMessage = outcome.Err
		d.events.Publish(scene.ProjectId, Event{
			Type:      "scene_update",
			SceneId:   sceneID,
			EpisodeId: scene.EpisodeId,
			Status:    models.SceneStatusError,
			Message:   scene.DisplayError(),
		})
		return nil
	}

	settled := models.SettledStatusFor(outcome.Kind)
	fields := map[string]interface{}{
		"status":        settled,
		"error_message": "",
		"active_job_id": "",
		"updated_at":    time.Now(),
	}
	switch outcome.Kind {
	case models.TaskKindAudio:
		fields["audio_path"] = outcome.ArtifactPath
		fields["audio_duration"] = outcome.Duration
	case models.TaskKindImage:
		fields["image_path"] = outcome.ArtifactPath
		if outcome.AudioPath != "" {
			fields["audio_path"] = outcome.AudioPath
		}
	case models.TaskKindVideo:
		fields["video_path"] = outcome.ArtifactPath
		fields["video_duration"] = outcome.Duration
	default:
		return fmt.Errorf("settle: unknown kind %s", outcome.Kind)
	}
	if err := d.store.UpdateScene(sceneID, fields); err != nil {
		return err
	}

	d.events.Publish(scene.ProjectId, Event{
		Type:      "scene_update",
		SceneId:   sceneID,
		EpisodeId: scene.EpisodeId,
		Status:    settled,
	})

	// 扇入聚合在每次回调上计算，不依赖轮询扫描
	d.checkAggregate(scene.ProjectId, scene.EpisodeId)
	return nil
}

// checkAggregate 计算分集（或旧版模式下项目）的聚合状态并广播
func (d *Dispatcher) checkAggregate(projectID, episodeID string) {
	var scenes []models.Scene
	var err error
	if episodeID != "" {
		scenes, err = d.store.ScenesByEpisode(episodeID)
	} else {
		scenes, err = d.store.ScenesByProject(projectID)
	}
	if err != nil || len(scenes) == 0 {
		return
	}

	allReady := true
	allReviewable := true
	for _, s := range scenes {
		if s.Status != models.SceneStatusReady {
			allReady = false
		}
		switch s.Status {
		case models.SceneStatusReview, models.SceneStatusApproved,
			models.SceneStatusVideoGen, models.SceneStatusReady:
		default:
			allReviewable = false
		}
	}

	if allReady {
		d.events.Publish(projectID, Event{
			Type:      "entity_update",
			EpisodeId: episodeID,
			Status:    "ALL_SCENES_READY",
		})
		return
	}
	if allReviewable {
		d.events.Publish(projectID, Event{
			Type:      "entity_update",
			EpisodeId: episodeID,
			Status:    "ALL_SCENES_REVIEWABLE",
		})
	}
}

// BatchApprove 只有 REVIEW 状态的场景会被通过，其余静默跳过。
// 重复通过是幂等的空操作，不报错。
func (d *Dispatcher) BatchApprove(sceneIDs []string) (int, error) {
	approved := 0
	for _, id := range sceneIDs {
		scene, err := d.store.GetScene(id)
		if err != nil {
			continue
		}
		if scene.Status != models.SceneStatusReview {
			continue
		}
		if err := d.store.UpdateScene(id, map[string]interface{}{
			"status":     models.SceneStatusApproved,
			"updated_at": time.Now(),
		}); err != nil {
			return approved, err
		}
		approved++
		d.events.Publish(scene.ProjectId, Event{
			Type:      "scene_update",
			SceneId:   id,
			EpisodeId: scene.EpisodeId,
			Status:    models.SceneStatusApproved,
		})
	}
	return approved, nil
}

// retryKindFor 判定重试类型。ERROR 场景按产物缺口推断；
// 非 pending 状态但应有产物为空的"卡住"场景也算候选。
func retryKindFor(scene *models.Scene, now time.Time, stuckAfter time.Duration) string {
	if scene.Status == models.SceneStatusError {
		if scene.ImagePath == "" {
			return models.TaskKindImage
		}
		return models.TaskKindVideo
	}
	if scene.Stuck(now, stuckAfter) {
		switch scene.Status {
		case models.SceneStatusGenerating, models.SceneStatusReview, models.SceneStatusApproved:
			return models.TaskKindImage
		case models.SceneStatusVideoGen, models.SceneStatusReady:
			return models.TaskKindVideo
		}
	}
	return ""
}

// RetryStuck 重试 ERROR 与"卡住"的场景。重试永远是新 job，不续旧的。
func (d *Dispatcher) RetryStuck(sceneIDs []string, stuckAfter time.Duration) (BatchResult, error) {
	now := time.Now()
	var res BatchResult
	for _, id := range sceneIDs {
		scene, err := d.store.GetScene(id)
		if err != nil {
			continue
		}
		kind := retryKindFor(scene, now, stuckAfter)
		if kind == "" {
			continue
		}
		// 先降级到 ERROR 让其可派发，顺带掐掉可能残留的围栏
		if scene.Status != models.SceneStatusError {
			if err := d.store.UpdateScene(id, map[string]interface{}{
				"status":        models.SceneStatusError,
				"error_message": "检测到产物缺失，标记重试",
				"active_job_id": "",
				"updated_at":    time.Now(),
			}); err != nil {
				continue
			}
			scene.Status = models.SceneStatusError
			scene.ActiveJobId = ""
		}
		job, err := d.dispatchOne(scene, kind)
		if err != nil {
			continue
		}
		res.Jobs = append(res.Jobs, job)
		res.Dispatched++
	}
	return res, nil
}
