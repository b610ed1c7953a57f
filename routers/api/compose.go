package api

import (
	"errors"
	"net/http"
	"time"

	"motionweaver-server/models"
	"motionweaver-server/service"

	"github.com/gin-gonic/gin"
)

// ComposeEpisode 发起分集成片合成
func ComposeEpisode(c *gin.Context) {
	episodeID := c.Param("episode_id")
	ep, err := models.GetEpisodeByIDGorm(models.GormDB, episodeID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	taskID, err := Composer.ComposeFinal(ep.ProjectId, episodeID, ep.Title)
	if err != nil {
		composeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "status": models.EpisodeStatusComposing})
}

// ComposeProject 旧版单集模式：直挂项目的场景合成整片
func ComposeProject(c *gin.Context) {
	projectID := c.Param("project_id")
	p, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目不存在"})
		return
	}
	taskID, err := Composer.ComposeFinal(projectID, "", p.Title)
	if err != nil {
		composeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// ResetCompose 放弃在途合成，分集回到 PRODUCTION。
// 同时把排队/执行中的合成任务标记 cancelled，出队时直接丢弃。
func ResetCompose(c *gin.Context) {
	episodeID := c.Param("episode_id")
	ep, err := models.GetEpisodeByIDGorm(models.GormDB, episodeID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if err := models.GormDB.Model(&models.Task{}).
		Where("episode_id = ? AND kind = ? AND status IN ?",
			episodeID, models.TaskKindCompose,
			[]string{models.TaskStatusPending, models.TaskStatusProcessing}).
		Updates(map[string]interface{}{
			"status":      models.TaskStatusCancelled,
			"finished_at": time.Now(),
			"updated_at":  time.Now(),
		}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := Composer.ResetCompose(ep.ProjectId, episodeID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.EpisodeStatusProduction})
}

func composeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrComposeActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrScenesNotReady), errors.Is(err, service.ErrNoScenes):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		abortWithError(c, err)
	}
}
