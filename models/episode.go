package models

import (
	"sort"
	"time"
)

// 分集状态（每集独立走完生产流程）
const (
	EpisodeStatusScriptGenerating = "SCRIPT_GENERATING" // 剧本生成任务进行中
	EpisodeStatusScriptReview     = "SCRIPT_REVIEW"     // 剧本等待人工审阅
	EpisodeStatusStoryboard       = "STORYBOARD"        // 分镜解析 / 编辑阶段
	EpisodeStatusProduction       = "PRODUCTION"        // 逐场景素材生成
	EpisodeStatusComposing        = "COMPOSING"         // 成片合成中
	EpisodeStatusCompleted        = "COMPLETED"         // 成片完成
)

var episodeTransitions = map[string][]string{
	EpisodeStatusScriptGenerating: {EpisodeStatusScriptReview},
	EpisodeStatusScriptReview:     {EpisodeStatusStoryboard, EpisodeStatusScriptGenerating},
	EpisodeStatusStoryboard:       {EpisodeStatusProduction, EpisodeStatusScriptReview},
	EpisodeStatusProduction:       {EpisodeStatusComposing, EpisodeStatusStoryboard},
	EpisodeStatusComposing:        {EpisodeStatusCompleted, EpisodeStatusProduction},
	EpisodeStatusCompleted:        {EpisodeStatusScriptReview, EpisodeStatusComposing},
}

type Episode struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ProjectId      string    `gorm:"index" json:"projectId"`
	EpisodeNumber  int       `json:"episodeNumber"`
	Title          string    `json:"title"`
	Synopsis       string    `gorm:"type:text" json:"synopsis"`
	FullScript     string    `gorm:"type:longtext" json:"fullScript"`
	FinalVideoPath string    `json:"finalVideoPath"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (Episode) TableName() string {
	return "episode"
}

func (e *Episode) CanTransitionTo(target string) bool {
	for _, t := range episodeTransitions[e.Status] {
		if t == target {
			return true
		}
	}
	return false
}

// IsComposeReset COMPOSING → PRODUCTION 是带外的合成取消，走单独入口
func (e *Episode) IsComposeReset(target string) bool {
	return e.Status == EpisodeStatusComposing && target == EpisodeStatusProduction
}

func (e *Episode) AdvanceTo(target string) error {
	if !e.CanTransitionTo(target) {
		valid := append([]string(nil), episodeTransitions[e.Status]...)
		sort.Strings(valid)
		return &IllegalTransitionError{Entity: "episode", Current: e.Status, Target: target, Valid: valid}
	}
	e.Status = target
	return nil
}

func EpisodeStatuses() []string {
	return []string{
		EpisodeStatusScriptGenerating,
		EpisodeStatusScriptReview,
		EpisodeStatusStoryboard,
		EpisodeStatusProduction,
		EpisodeStatusComposing,
		EpisodeStatusCompleted,
	}
}
