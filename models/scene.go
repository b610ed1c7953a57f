package models

import (
	"time"

	"gorm.io/gorm"
)

// 场景状态
const (
	SceneStatusPending    = "PENDING"    // 尚未派发任何生成任务
	SceneStatusGenerating = "GENERATING" // 音频/图片生成中
	SceneStatusReview     = "REVIEW"     // 素材就绪，等待人工审阅
	SceneStatusApproved   = "APPROVED"   // 人工通过，可生成视频
	SceneStatusVideoGen   = "VIDEO_GEN"  // 视频生成中
	SceneStatusReady      = "READY"      // 视频就绪，可参与合成
	SceneStatusError      = "ERROR"      // 生成失败，等待重试
)

// 错误信息展示截断长度，完整内容仍落库
const SceneErrorDisplayLimit = 200

type Scene struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ProjectId     string    `gorm:"index" json:"projectId"`
	EpisodeId     string    `gorm:"index" json:"episodeId,omitempty"` // 为空表示旧版单集模式，场景直挂项目
	SequenceOrder int       `json:"sequenceOrder"`
	DialogueText  string    `gorm:"type:text" json:"dialogueText"`
	PromptVisual  string    `gorm:"type:text" json:"promptVisual"`
	PromptMotion  string    `gorm:"type:text" json:"promptMotion"`
	SfxText       string    `gorm:"type:text" json:"sfxText"`
	AudioPath     string    `json:"audioPath"`
	ImagePath     string    `json:"imagePath"`
	VideoPath     string    `json:"videoPath"`
	AudioDuration float64   `json:"audioDuration"`
	VideoDuration float64   `json:"videoDuration"`
	Status        string    `json:"status"`
	ErrorMessage  string    `gorm:"type:text" json:"errorMessage,omitempty"`
	ActiveJobId   string    `json:"activeJobId,omitempty"` // 围栏：只有该 job 的回调允许落账
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}

// DisplayError 截断后的错误信息（前端展示用）
func (s *Scene) DisplayError() string {
	if len(s.ErrorMessage) <= SceneErrorDisplayLimit {
		return s.ErrorMessage
	}
	return s.ErrorMessage[:SceneErrorDisplayLimit] + "..."
}

// DispatchableFor 某任务类型是否允许对该场景派发。
// 图片/音频：PENDING 或 ERROR；视频：APPROVED 或 ERROR（且已有图片）。
// 处于在途状态的场景被排除，这同时就是"同一场景不并发派发"的守卫。
func (s *Scene) DispatchableFor(kind string) bool {
	switch kind {
	case TaskKindImage, TaskKindAudio:
		return s.Status == SceneStatusPending || s.Status == SceneStatusError
	case TaskKindVideo:
		if s.ImagePath == "" {
			return false
		}
		return s.Status == SceneStatusApproved || s.Status == SceneStatusError
	}
	return false
}

// InFlightStatusFor 派发时乐观写入的在途状态
func InFlightStatusFor(kind string) string {
	if kind == TaskKindVideo {
		return SceneStatusVideoGen
	}
	return SceneStatusGenerating
}

// SettledStatusFor 任务成功后的落账状态
func SettledStatusFor(kind string) string {
	if kind == TaskKindVideo {
		return SceneStatusReady
	}
	return SceneStatusReview
}

// ExpectedPathFor 某任务类型对应的产物字段值
func (s *Scene) ExpectedPathFor(kind string) string {
	switch kind {
	case TaskKindAudio:
		return s.AudioPath
	case TaskKindImage:
		return s.ImagePath
	case TaskKindVideo:
		return s.VideoPath
	}
	return ""
}

// Stuck 状态与产物字段是否已经漂移：非 pending/error 却缺少该状态应有的产物，
// 且超过阈值没有任何更新。这类场景按可重试处理，而不是当作已完成。
func (s *Scene) Stuck(now time.Time, after time.Duration) bool {
	if now.Sub(s.UpdatedAt) < after {
		return false
	}
	switch s.Status {
	case SceneStatusGenerating:
		return s.ImagePath == ""
	case SceneStatusReview, SceneStatusApproved:
		return s.ImagePath == ""
	case SceneStatusVideoGen:
		return s.VideoPath == ""
	case SceneStatusReady:
		return s.VideoPath == ""
	}
	return false
}

func BatchCreateScenes(db *gorm.DB, scenes []Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	return db.Create(&scenes).Error
}

func GetSceneByIDGorm(db *gorm.DB, sceneID string) (*Scene, error) {
	var scene Scene
	if err := db.First(&scene, "id = ?", sceneID).Error; err != nil {
		return nil, err
	}
	return &scene, nil
}

func GetScenesByEpisodeID(db *gorm.DB, episodeID string) ([]Scene, error) {
	var scenes []Scene
	err := db.Where("episode_id = ?", episodeID).Order("sequence_order ASC").Find(&scenes).Error
	return scenes, err
}

func GetScenesByProjectID(db *gorm.DB, projectID string) ([]Scene, error) {
	var scenes []Scene
	err := db.Where("project_id = ?", projectID).Order("sequence_order ASC").Find(&scenes).Error
	return scenes, err
}

// ReorderScenes 在单个事务内重排，避免读端看到半排好的序列
func ReorderScenes(db *gorm.DB, projectID string, orderedIDs []string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for i, id := range orderedIDs {
			if err := tx.Model(&Scene{}).
				Where("id = ? AND project_id = ?", id, projectID).
				Updates(map[string]interface{}{"sequence_order": i, "updated_at": time.Now()}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
