package service

import (
	"time"

	"motionweaver-server/models"

	"gorm.io/gorm"
)

// GormStore SceneStore / ComposeStore 的 GORM 实现
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (g *GormStore) GetScene(id string) (*models.Scene, error) {
	return models.GetSceneByIDGorm(g.DB, id)
}

func (g *GormStore) UpdateScene(id string, fields map[string]interface{}) error {
	return g.DB.Model(&models.Scene{}).Where("id = ?", id).Updates(fields).Error
}

func (g *GormStore) ScenesByEpisode(episodeID string) ([]models.Scene, error) {
	return models.GetScenesByEpisodeID(g.DB, episodeID)
}

func (g *GormStore) ScenesByProject(projectID string) ([]models.Scene, error) {
	// 旧版单集模式：只统计直挂项目的场景
	var scenes []models.Scene
	err := g.DB.Where("project_id = ? AND (episode_id = '' OR episode_id IS NULL)", projectID).
		Order("sequence_order ASC").Find(&scenes).Error
	return scenes, err
}

func (g *GormStore) CreateTask(t *models.Task) error {
	return models.CreateTask(g.DB, t)
}

// ---- ComposeStore ----

func (g *GormStore) ScenesFor(projectID, episodeID string) ([]models.Scene, error) {
	if episodeID != "" {
		return models.GetScenesByEpisodeID(g.DB, episodeID)
	}
	return g.ScenesByProject(projectID)
}

func (g *GormStore) EpisodeAdvance(episodeID, target string) error {
	ep, err := models.GetEpisodeByIDGorm(g.DB, episodeID)
	if err != nil {
		return err
	}
	if err := ep.AdvanceTo(target); err != nil {
		return err
	}
	return models.UpdateEpisodeStatus(g.DB, episodeID, target)
}

func (g *GormStore) EpisodeSetFinal(episodeID, path string) error {
	return g.DB.Model(&models.Episode{}).Where("id = ?", episodeID).
		Updates(map[string]interface{}{"final_video_path": path, "updated_at": time.Now()}).Error
}

func (g *GormStore) ProjectAdvance(projectID, target string) error {
	p, err := models.GetProjectByID(projectID)
	if err != nil {
		return err
	}
	if err := p.AdvanceTo(target); err != nil {
		return err
	}
	return models.UpdateProjectStatus(projectID, target)
}

func (g *GormStore) ProjectSetFinal(projectID, path string) error {
	return models.UpdateProjectFields(projectID, map[string]interface{}{"final_video_path": path})
}

// ---- pipeline 的项目存储面 ----

func (g *GormStore) ProjectStatus(projectID string) (string, error) {
	p, err := models.GetProjectByID(projectID)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// CompleteOutline 大纲落库并推进项目状态（已在 OUTLINE_REVIEW 的重跑只覆盖文本）
func (g *GormStore) CompleteOutline(projectID, outline string) error {
	p, err := models.GetProjectByID(projectID)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{"world_outline": outline}
	if p.Status == models.ProjectStatusDraft {
		if err := p.AdvanceTo(models.ProjectStatusOutlineReview); err != nil {
			return err
		}
		fields["status"] = p.Status
	}
	return models.UpdateProjectFields(projectID, fields)
}
