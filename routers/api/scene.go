package api

import (
	"net/http"

	"motionweaver-server/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func ListEpisodeScenes(c *gin.Context) {
	scenes, err := models.GetScenesByEpisodeID(models.GormDB, c.Param("episode_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": scenes})
}

// ListProjectScenes 项目下全部场景（含各分集与旧版直挂的）
func ListProjectScenes(c *gin.Context) {
	scenes, err := models.GetScenesByProjectID(models.GormDB, c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": scenes})
}

type sceneSeed struct {
	DialogueText string `json:"dialogue_text"`
	PromptVisual string `json:"prompt_visual"`
	PromptMotion string `json:"prompt_motion"`
	SfxText      string `json:"sfx_text"`
}

type createScenesReq struct {
	EpisodeId string      `json:"episode_id"`
	Scenes    []sceneSeed `json:"scenes" binding:"required"`
}

// CreateScenes 手工批量建场景（不经分镜解析），追加到现有序列尾部
func CreateScenes(c *gin.Context) {
	projectID := c.Param("project_id")
	var req createScenesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var existing []models.Scene
	var err error
	if req.EpisodeId != "" {
		existing, err = models.GetScenesByEpisodeID(models.GormDB, req.EpisodeId)
	} else {
		existing, err = models.GetScenesByProjectID(models.GormDB, projectID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	base := len(existing)
	scenes := make([]models.Scene, 0, len(req.Scenes))
	for i, seed := range req.Scenes {
		scenes = append(scenes, models.Scene{
			ID:            uuid.NewString(),
			ProjectId:     projectID,
			EpisodeId:     req.EpisodeId,
			SequenceOrder: base + i,
			DialogueText:  seed.DialogueText,
			PromptVisual:  seed.PromptVisual,
			PromptMotion:  seed.PromptMotion,
			SfxText:       seed.SfxText,
			Status:        models.SceneStatusPending,
		})
	}
	if err := models.BatchCreateScenes(models.GormDB, scenes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"scenes": scenes})
}

type updateSceneReq struct {
	DialogueText *string `json:"dialogue_text"`
	PromptVisual *string `json:"prompt_visual"`
	PromptMotion *string `json:"prompt_motion"`
	SfxText      *string `json:"sfx_text"`
}

// UpdateScene 编辑场景文本字段。在途状态（GENERATING/VIDEO_GEN）拒绝编辑，
// 避免和正在生成的任务打架。
func UpdateScene(c *gin.Context) {
	id := c.Param("scene_id")
	var req updateSceneReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scene, err := models.GetSceneByIDGorm(models.GormDB, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if scene.Status == models.SceneStatusGenerating || scene.Status == models.SceneStatusVideoGen {
		c.JSON(http.StatusConflict, gin.H{"error": "场景生成中，不能编辑"})
		return
	}

	fields := map[string]interface{}{}
	if req.DialogueText != nil {
		fields["dialogue_text"] = *req.DialogueText
	}
	if req.PromptVisual != nil {
		fields["prompt_visual"] = *req.PromptVisual
	}
	if req.PromptMotion != nil {
		fields["prompt_motion"] = *req.PromptMotion
	}
	if req.SfxText != nil {
		fields["sfx_text"] = *req.SfxText
	}
	if len(fields) > 0 {
		if err := models.GormDB.Model(&models.Scene{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	scene, _ = models.GetSceneByIDGorm(models.GormDB, id)
	c.JSON(http.StatusOK, scene)
}

type reorderReq struct {
	OrderedIds []string `json:"ordered_ids" binding:"required"`
}

// ReorderScenes 按给定顺序重排场景序号，单事务完成
func ReorderScenes(c *gin.Context) {
	projectID := c.Param("project_id")
	var req reorderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := models.ReorderScenes(models.GormDB, projectID, req.OrderedIds); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "场景顺序已更新"})
}

// DeleteScene 在途场景不允许删除
func DeleteScene(c *gin.Context) {
	id := c.Param("scene_id")
	scene, err := models.GetSceneByIDGorm(models.GormDB, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if scene.Status == models.SceneStatusGenerating || scene.Status == models.SceneStatusVideoGen {
		c.JSON(http.StatusConflict, gin.H{"error": "场景生成中，不能删除"})
		return
	}
	if err := models.GormDB.Delete(&models.Scene{}, "id = ?", id).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "场景已删除"})
}
