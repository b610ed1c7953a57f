package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"motionweaver-server/config"
	"motionweaver-server/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// Processor asynq 消费端。所有耗时工作（worker 提交、轮询、转存）
// 都在这里的消费协程里做，HTTP 请求线程从不阻塞等 job。
type Processor struct {
	db         *gorm.DB
	worker     *WorkerClient
	dispatcher *Dispatcher
	composer   *Composer
	events     Publisher
	rehost     func(sourceURL, objectName string) (string, error)
}

func NewProcessor(db *gorm.DB, worker *WorkerClient, dispatcher *Dispatcher, composer *Composer, events Publisher) *Processor {
	return &Processor{
		db:         db,
		worker:     worker,
		dispatcher: dispatcher,
		composer:   composer,
		events:     events,
		rehost:     RehostResource,
	}
}

// StartProcessor 启动 asynq server（阻塞，调用方放 goroutine 里跑）
func (p *Processor) StartProcessor() {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: 5,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRunTask, p.HandleTask)

	log.Println("[Processor] asynq 消费端启动")
	if err := srv.Run(mux); err != nil {
		log.Fatalf("asynq server 启动失败: %v", err)
	}
}

func (p *Processor) HandleTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload failed: %v: %w", err, asynq.SkipRetry)
	}

	task, err := models.GetTaskByIDGorm(p.db, payload.TaskID)
	if err != nil {
		return fmt.Errorf("task not found %s: %v: %w", payload.TaskID, err, asynq.SkipRetry)
	}
	// 被 reset/取消的任务出队时直接丢弃
	if task.Status == models.TaskStatusCancelled {
		log.Printf("[Processor] 任务已取消，跳过: %s", task.ID)
		return nil
	}

	_ = task.UpdateStatus(p.db, models.TaskStatusProcessing, nil, "")

	// 轮询可被 reset 接口掐掉
	pollCtx, cancel := context.WithCancel(ctx)
	RegisterPollCancel(task.ID, cancel)
	defer UnregisterPollCancel(task.ID)
	defer cancel()

	switch task.Kind {
	case models.TaskKindAudio, models.TaskKindImage, models.TaskKindVideo:
		err = p.handleMedia(pollCtx, task)
	case models.TaskKindScript:
		err = p.handleScript(pollCtx, task)
	case models.TaskKindStoryboard:
		err = p.handleStoryboard(pollCtx, task)
	case models.TaskKindCompose:
		err = p.handleCompose(pollCtx, task)
	default:
		err = fmt.Errorf("unknown task kind: %s: %w", task.Kind, asynq.SkipRetry)
	}

	if err != nil {
		log.Printf("[Processor] 任务失败 id=%s kind=%s: %v", task.ID, task.Kind, err)
	}
	return err
}

// handleMedia 场景级媒体生成：提交 worker、轮询、转存产物、落账。
// 失败也走 Settle 落账（围栏在 Settle 里统一判），不在这里直接改场景。
func (p *Processor) handleMedia(ctx context.Context, task *models.Task) error {
	if task.Parameters.Scene == nil {
		return fmt.Errorf("scene parameters missing: %w", asynq.SkipRetry)
	}
	sp := task.Parameters.Scene

	params := map[string]interface{}{
		"scene_id":      sp.SceneId,
		"dialogue_text": sp.DialogueText,
		"prompt_visual": sp.PromptVisual,
		"prompt_motion": sp.PromptMotion,
		"sfx_text":      sp.SfxText,
		"image_path":    sp.ImagePath,
		"audio_path":    sp.AudioPath,
		"image_width":   sp.ImageWidth,
		"image_height":  sp.ImageHeight,
	}
	if task.Kind == models.TaskKindImage {
		// 图片任务顺带生成旁白，省一次 worker 往返
		params["generate_tts"] = sp.DialogueText != ""
	}

	jobID, err := p.worker.SubmitJob(ctx, task.Kind, params)
	if err != nil {
		p.settleFailure(task, fmt.Sprintf("worker 提交失败: %v", err))
		_ = task.UpdateStatus(p.db, models.TaskStatusFailed, nil, err.Error())
		return fmt.Errorf("submit failed: %v: %w", err, asynq.SkipRetry)
	}

	job, err := p.worker.PollJob(ctx, jobID, func(j *WorkerJob) {
		if j.Progress > task.Progress {
			task.Progress = j.Progress
			_ = p.db.Model(task).Update("progress", j.Progress).Error
		}
	})
	if err != nil {
		p.settleFailure(task, err.Error())
		_ = task.UpdateStatus(p.db, models.TaskStatusFailed, nil, err.Error())
		return fmt.Errorf("poll failed: %v: %w", err, asynq.SkipRetry)
	}

	objectName := SceneObjectName(task.SceneId, task.Kind)
	artifactURL, err := p.rehost(job.ResourceUrl, objectName)
	if err != nil {
		p.settleFailure(task, fmt.Sprintf("产物转存失败: %v", err))
		_ = task.UpdateStatus(p.db, models.TaskStatusFailed, nil, err.Error())
		return fmt.Errorf("rehost failed: %v: %w", err, asynq.SkipRetry)
	}

	audioURL := ""
	if task.Kind == models.TaskKindImage && job.AudioUrl != "" {
		audioURL, err = p.rehost(job.AudioUrl, SceneObjectName(task.SceneId, models.TaskKindAudio))
		if err != nil {
			// 旁白转存失败不拖垮整个图片任务，留给音频重派
			log.Printf("[Processor] 旁白转存失败 scene=%s: %v", task.SceneId, err)
			audioURL = ""
		}
	}

	outcome := Outcome{
		Kind:         task.Kind,
		Success:      true,
		ArtifactPath: artifactURL,
		AudioPath:    audioURL,
		Duration:     job.Duration,
	}
	if err := p.dispatcher.Settle(task.ID, task.SceneId, outcome); err != nil {
		return err
	}
	return task.UpdateStatus(p.db, models.TaskStatusSuccess, &models.TaskResult{
		ResourceType: resourceTypeFor(task.Kind),
		ResourceId:   jobID,
		ResourceUrl:  artifactURL,
	}, "")
}

func (p *Processor) settleFailure(task *models.Task, msg string) {
	if err := p.dispatcher.Settle(task.ID, task.SceneId, Outcome{
		Kind:    task.Kind,
		Success: false,
		Err:     msg,
	}); err != nil {
		log.Printf("[Processor] 失败落账出错 task=%s: %v", task.ID, err)
	}
}

func resourceTypeFor(kind string) string {
	switch kind {
	case models.TaskKindAudio:
		return "audio"
	case models.TaskKindImage:
		return "image"
	case models.TaskKindVideo:
		return "video"
	}
	return "json"
}

// handleScript 分集剧本生成。成功后剧本落库，分集 SCRIPT_GENERATING -> SCRIPT_REVIEW；
// 失败同样回到 SCRIPT_REVIEW，用户可改参重试。
func (p *Processor) handleScript(ctx context.Context, task *models.Task) error {
	if task.Parameters.Script == nil {
		return fmt.Errorf("script parameters missing: %w", asynq.SkipRetry)
	}
	sp := task.Parameters.Script

	fail := func(msg string) error {
		_ = task.UpdateStatus(p.db, models.TaskStatusFailed, nil, msg)
		if err := p.episodeAdvance(task.EpisodeId, models.EpisodeStatusScriptReview); err != nil {
			log.Printf("[Processor] 剧本失败回退出错 episode=%s: %v", task.EpisodeId, err)
		}
		p.events.Publish(task.ProjectId, Event{
			Type:      "entity_update",
			EpisodeId: task.EpisodeId,
			Status:    models.EpisodeStatusScriptReview,
			Message:   msg,
		})
		return fmt.Errorf("%s: %w", msg, asynq.SkipRetry)
	}

	jobID, err := p.worker.SubmitJob(ctx, task.Kind, map[string]interface{}{
		"outline":  sp.Outline,
		"synopsis": sp.Synopsis,
		"style":    sp.Style,
	})
	if err != nil {
		return fail(fmt.Sprintf("worker 提交失败: %v", err))
	}
	job, err := p.worker.PollJob(ctx, jobID, nil)
	if err != nil {
		return fail(err.Error())
	}

	var result struct {
		Script string `json:"script"`
	}
	if err := json.Unmarshal(job.Result, &result); err != nil || result.Script == "" {
		return fail("剧本结果解析失败")
	}

	if err := p.db.Model(&models.Episode{}).Where("id = ?", task.EpisodeId).
		Update("full_script", result.Script).Error; err != nil {
		return fail(fmt.Sprintf("剧本落库失败: %v", err))
	}
	if err := p.episodeAdvance(task.EpisodeId, models.EpisodeStatusScriptReview); err != nil {
		return fail(err.Error())
	}

	p.events.Publish(task.ProjectId, Event{
		Type:      "entity_update",
		EpisodeId: task.EpisodeId,
		Status:    models.EpisodeStatusScriptReview,
	})
	return task.UpdateStatus(p.db, models.TaskStatusSuccess, &models.TaskResult{
		ResourceType: "json",
		ResourceId:   jobID,
	}, "")
}

// handleStoryboard 剧本解析为场景分镜，批量建 PENDING 场景。
// 重复解析会先清掉该分集旧场景，分镜以最后一次解析为准。
func (p *Processor) handleStoryboard(ctx context.Context, task *models.Task) error {
	if task.Parameters.Storyboard == nil {
		return fmt.Errorf("storyboard parameters missing: %w", asynq.SkipRetry)
	}
	sp := task.Parameters.Storyboard

	fail := func(msg string) error {
		_ = task.UpdateStatus(p.db, models.TaskStatusFailed, nil, msg)
		p.events.Publish(task.ProjectId, Event{
			Type:      "entity_update",
			EpisodeId: task.EpisodeId,
			Status:    models.EpisodeStatusScriptReview,
			Message:   msg,
		})
		return fmt.Errorf("%s: %w", msg, asynq.SkipRetry)
	}

	jobID, err := p.worker.SubmitJob(ctx, task.Kind, map[string]interface{}{
		"script": sp.Script,
		"style":  sp.Style,
	})
	if err != nil {
		return fail(fmt.Sprintf("worker 提交失败: %v", err))
	}
	job, err := p.worker.PollJob(ctx, jobID, nil)
	if err != nil {
		return fail(err.Error())
	}

	var result struct {
		Scenes []struct {
			DialogueText string `json:"dialogue_text"`
			PromptVisual string `json:"prompt_visual"`
			PromptMotion string `json:"prompt_motion"`
			SfxText      string `json:"sfx_text"`
		} `json:"scenes"`
	}
	if err := json.Unmarshal(job.Result, &result); err != nil || len(result.Scenes) == 0 {
		return fail("分镜结果解析失败")
	}

	scenes := make([]models.Scene, 0, len(result.Scenes))
	for i, s := range result.Scenes {
		scenes = append(scenes, models.Scene{
			ID:            uuid.NewString(),
			ProjectId:     task.ProjectId,
			EpisodeId:     task.EpisodeId,
			SequenceOrder: i,
			DialogueText:  s.DialogueText,
			PromptVisual:  s.PromptVisual,
			PromptMotion:  s.PromptMotion,
			SfxText:       s.SfxText,
			Status:        models.SceneStatusPending,
		})
	}

	err = p.db.Transaction(func(tx *gorm.DB) error {
		if task.EpisodeId != "" {
			if err := tx.Where("episode_id = ?", task.EpisodeId).Delete(&models.Scene{}).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Where("project_id = ? AND (episode_id = '' OR episode_id IS NULL)", task.ProjectId).
				Delete(&models.Scene{}).Error; err != nil {
				return err
			}
		}
		return models.BatchCreateScenes(tx, scenes)
	})
	if err != nil {
		return fail(fmt.Sprintf("场景落库失败: %v", err))
	}

	if task.EpisodeId != "" {
		ep, err := models.GetEpisodeByIDGorm(p.db, task.EpisodeId)
		if err == nil && ep.Status == models.EpisodeStatusScriptReview {
			if err := p.episodeAdvance(task.EpisodeId, models.EpisodeStatusStoryboard); err != nil {
				log.Printf("[Processor] 分镜状态推进失败 episode=%s: %v", task.EpisodeId, err)
			}
		}
	}

	p.events.Publish(task.ProjectId, Event{
		Type:      "entity_update",
		EpisodeId: task.EpisodeId,
		Status:    models.EpisodeStatusStoryboard,
		Message:   fmt.Sprintf("解析出 %d 个场景", len(scenes)),
	})
	return task.UpdateStatus(p.db, models.TaskStatusSuccess, &models.TaskResult{
		ResourceType: "json",
		ResourceId:   jobID,
		Total:        len(scenes),
	}, "")
}

func (p *Processor) handleCompose(ctx context.Context, task *models.Task) error {
	finalURL, err := p.composer.RunCompose(ctx, task)
	if err != nil {
		_ = task.UpdateStatus(p.db, models.TaskStatusFailed, nil, err.Error())
		return fmt.Errorf("compose failed: %v: %w", err, asynq.SkipRetry)
	}
	return task.UpdateStatus(p.db, models.TaskStatusSuccess, &models.TaskResult{
		ResourceType: "video",
		ResourceUrl:  finalURL,
	}, "")
}

func (p *Processor) episodeAdvance(episodeID, target string) error {
	ep, err := models.GetEpisodeByIDGorm(p.db, episodeID)
	if err != nil {
		return err
	}
	if ep.Status == target {
		return nil
	}
	if err := ep.AdvanceTo(target); err != nil {
		return err
	}
	return models.UpdateEpisodeStatus(p.db, episodeID, target)
}
