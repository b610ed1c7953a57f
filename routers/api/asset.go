package api

import (
	"net/http"
	"time"

	"motionweaver-server/config"
	"motionweaver-server/models"

	"github.com/gin-gonic/gin"
)

type dispatchReq struct {
	SceneIds []string `json:"scene_ids" binding:"required"`
	Kind     string   `json:"kind" binding:"required"`
}

// DispatchAssets 批量派发场景素材生成（图片/音频/视频）。
// 不可派发的场景静默跳过，返回实际派发数与 job 列表。
func DispatchAssets(c *gin.Context) {
	var req dispatchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := Dispatcher.DispatchBatch(req.SceneIds, req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

type approveReq struct {
	SceneIds []string `json:"scene_ids" binding:"required"`
}

// ApproveScenes 批量通过审阅（REVIEW -> APPROVED），幂等
func ApproveScenes(c *gin.Context) {
	var req approveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	approved, err := Dispatcher.BatchApprove(req.SceneIds)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": approved})
}

type retryReq struct {
	SceneIds []string `json:"scene_ids" binding:"required"`
}

// RetryScenes 重试 ERROR 或"状态与产物漂移"的场景
func RetryScenes(c *gin.Context) {
	var req retryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stuckAfter := time.Duration(config.AppConfig.Reconcile.StuckAfter) * time.Minute
	res, err := Dispatcher.RetryStuck(req.SceneIds, stuckAfter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

type regenerateReq struct {
	SceneId      string  `json:"scene_id" binding:"required"`
	Kind         string  `json:"kind" binding:"required"`
	DialogueText *string `json:"dialogue_text"`
	PromptVisual *string `json:"prompt_visual"`
	PromptMotion *string `json:"prompt_motion"`
}

// RegenerateAsset 带新提示词重新生成单个场景的素材。
// 先落提示词并把场景降到 ERROR（可派发），再走正常派发路径。
func RegenerateAsset(c *gin.Context) {
	var req regenerateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scene, err := models.GetSceneByIDGorm(models.GormDB, req.SceneId)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if scene.Status == models.SceneStatusGenerating || scene.Status == models.SceneStatusVideoGen {
		c.JSON(http.StatusConflict, gin.H{"error": "场景生成中，不能重新生成"})
		return
	}

	fields := map[string]interface{}{
		"status":        models.SceneStatusError,
		"error_message": "",
		"active_job_id": "",
		"updated_at":    time.Now(),
	}
	if req.DialogueText != nil {
		fields["dialogue_text"] = *req.DialogueText
	}
	if req.PromptVisual != nil {
		fields["prompt_visual"] = *req.PromptVisual
	}
	if req.PromptMotion != nil {
		fields["prompt_motion"] = *req.PromptMotion
	}
	if err := models.GormDB.Model(&models.Scene{}).Where("id = ?", req.SceneId).Updates(fields).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	res, err := Dispatcher.DispatchBatch([]string{req.SceneId}, req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if res.Dispatched == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "场景当前不可派发该类型任务"})
		return
	}
	c.JSON(http.StatusAccepted, res)
}
