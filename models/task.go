package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
)

// 任务状态（后台任务全生命周期统一使用）
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusSuccess    = "finished"
	TaskStatusFailed     = "failed"
	// cancelled: 被用户/系统取消（例如合成 reset 时取消正在 processing 的任务）
	TaskStatusCancelled = "cancelled"

	// 任务类型
	TaskKindScript     = "generate_script"     // 大纲+梗概 -> 分集剧本
	TaskKindStoryboard = "generate_storyboard" // 剧本 -> 场景分镜
	TaskKindAudio      = "generate_audio"      // 台词 -> 旁白语音
	TaskKindImage      = "generate_image"      // 画面提示词 -> 关键帧
	TaskKindVideo      = "generate_video"      // 关键帧 -> 动态视频
	TaskKindCompose    = "compose_final"       // 全部场景视频 -> 成片
)

type Task struct {
	ID         string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ProjectId  string         `gorm:"index" json:"projectId"`
	EpisodeId  string         `json:"episodeId,omitempty"`
	SceneId    string         `json:"sceneId,omitempty"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	Progress   int            `json:"progress"`
	Message    string         `json:"message"`
	Parameters TaskParameters `gorm:"type:json" json:"parameters"`
	Result     TaskResult     `gorm:"type:json" json:"result"`
	Error      string         `gorm:"type:text" json:"error"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type TaskParameters struct {
	Script     *ScriptParams     `json:"script,omitempty"`
	Storyboard *StoryboardParams `json:"storyboard,omitempty"`
	Scene      *SceneParams      `json:"scene,omitempty"`
	Compose    *ComposeParams    `json:"compose,omitempty"`
}

type ScriptParams struct {
	Outline  string `json:"outline"`
	Synopsis string `json:"synopsis"`
	Style    string `json:"style"`
}

type StoryboardParams struct {
	Script string `json:"script"`
	Style  string `json:"style"`
}

type SceneParams struct {
	SceneId      string `json:"scene_id"`
	DialogueText string `json:"dialogue_text,omitempty"`
	PromptVisual string `json:"prompt_visual,omitempty"`
	PromptMotion string `json:"prompt_motion,omitempty"`
	SfxText      string `json:"sfx_text,omitempty"`
	ImagePath    string `json:"image_path,omitempty"`
	AudioPath    string `json:"audio_path,omitempty"`
	ImageWidth   string `json:"image_width,omitempty"`
	ImageHeight  string `json:"image_height,omitempty"`
}

type ComposeParams struct {
	VideoPaths []string `json:"video_paths"`
	Title      string   `json:"title"`
	BgmPath    string   `json:"bgm_path,omitempty"`
}

// TaskResult 仅保留最小资源定位信息，外加合成进度
type TaskResult struct {
	ResourceType string `json:"resource_type,omitempty"` // image / audio / video / json
	ResourceId   string `json:"resource_id,omitempty"`   // worker 侧 job id
	ResourceUrl  string `json:"resource_url,omitempty"`
	Rendered     int    `json:"rendered,omitempty"`
	Total        int    `json:"total,omitempty"`
}

// driver.Valuer: Go Struct -> JSON（入库）
func (p TaskParameters) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// sql.Scanner: JSON -> Go Struct（出库）
func (p *TaskParameters) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, p)
}

func (r TaskResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *TaskResult) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, r)
}

func (t *Task) UpdateStatus(db *gorm.DB, status string, result interface{}, errMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if result != nil {
		jsonBytes, err := json.Marshal(result)
		if err != nil {
			log.Printf("序列化任务结果失败: %v", err)
		} else {
			updates["result"] = jsonBytes
		}
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if status == TaskStatusSuccess || status == TaskStatusFailed || status == TaskStatusCancelled {
		updates["finished_at"] = time.Now()
	}
	return db.Model(t).Updates(updates).Error
}

func GetTaskByIDGorm(db *gorm.DB, taskID string) (*Task, error) {
	var task Task
	if err := db.First(&task, "id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (Task) TableName() string {
	return "task"
}
