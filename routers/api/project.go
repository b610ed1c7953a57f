package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"motionweaver-server/models"
	"motionweaver-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type createProjectReq struct {
	Title   string `json:"title" binding:"required"`
	Logline string `json:"logline" binding:"required"`
}

// CreateProject 新建项目，初始 DRAFT
func CreateProject(c *gin.Context) {
	var req createProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := &models.Project{
		ID:      uuid.NewString(),
		Title:   req.Title,
		Logline: req.Logline,
		Status:  models.ProjectStatusDraft,
	}
	if err := models.CreateProject(p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func ListProjects(c *gin.Context) {
	projects, err := models.ListProjects()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func GetProject(c *gin.Context) {
	p, err := models.GetProjectByID(c.Param("project_id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "项目不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

type updateProjectReq struct {
	Title        *string `json:"title"`
	Logline      *string `json:"logline"`
	WorldOutline *string `json:"world_outline"`
}

// UpdateProject 只改显式传入的字段。大纲文本仅在 OUTLINE_REVIEW 可编辑。
func UpdateProject(c *gin.Context) {
	id := c.Param("project_id")
	var req updateProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := models.GetProjectByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目不存在"})
		return
	}

	fields := map[string]interface{}{}
	if req.Title != nil {
		fields["title"] = *req.Title
	}
	if req.Logline != nil {
		fields["logline"] = *req.Logline
	}
	if req.WorldOutline != nil {
		if p.Status != models.ProjectStatusOutlineReview {
			c.JSON(http.StatusConflict, gin.H{"error": "大纲仅在 OUTLINE_REVIEW 状态可编辑"})
			return
		}
		fields["world_outline"] = *req.WorldOutline
	}
	if err := models.UpdateProjectFields(id, fields); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	p, _ = models.GetProjectByID(id)
	c.JSON(http.StatusOK, p)
}

func DeleteProject(c *gin.Context) {
	if err := models.DeleteProjectByID(c.Param("project_id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "项目已删除"})
}

type advanceStatusReq struct {
	TargetStatus    string `json:"target_status" binding:"required"`
	ConfirmRollback bool   `json:"confirm_rollback"`
}

// AdvanceProjectStatus 按状态机推进项目状态。
// 回退迁移是破坏性的（下游产物成为孤儿），必须带 confirm_rollback。
func AdvanceProjectStatus(c *gin.Context) {
	id := c.Param("project_id")
	var req advanceStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := models.GetProjectByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目不存在"})
		return
	}
	if p.IsRollback(req.TargetStatus) && !req.ConfirmRollback {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":            "回退迁移需要显式确认",
			"requires_confirm": true,
			"current_status":   p.Status,
			"requested_status": req.TargetStatus,
		})
		return
	}
	if err := p.AdvanceTo(req.TargetStatus); err != nil {
		abortWithError(c, err)
		return
	}
	if err := models.UpdateProjectStatus(id, p.Status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	Hub.Publish(id, serviceEntityEvent("", p.Status))
	c.JSON(http.StatusOK, p)
}

type pipelineStartReq struct {
	Logline string `json:"logline"`
	Style   string `json:"style"`
}

// StartPipeline 发起大纲流水线，以 SSE 逐步推送进度与结果
func StartPipeline(c *gin.Context) {
	id := c.Param("project_id")
	var req pipelineStartReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Logline == "" {
		p, err := models.GetProjectByID(id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "项目不存在"})
			return
		}
		req.Logline = p.Logline
	}

	events, err := Pipeline.Start(c.Request.Context(), id, req.Logline, req.Style)
	if err != nil {
		abortWithError(c, err)
		return
	}
	streamPipeline(c, events)
}

type pipelineContinueReq struct {
	StartIndex int                        `json:"start_index"`
	Overrides  map[string]json.RawMessage `json:"overrides"` // 键为步骤下标
}

// ContinuePipeline 带编辑结果从指定步骤续跑，同样走 SSE
func ContinuePipeline(c *gin.Context) {
	id := c.Param("project_id")
	var req pipelineContinueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	overrides := make(map[int]json.RawMessage, len(req.Overrides))
	for k, v := range req.Overrides {
		idx, err := strconv.Atoi(k)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "overrides 键必须是步骤下标"})
			return
		}
		overrides[idx] = v
	}

	events, err := Pipeline.ContinueFrom(c.Request.Context(), id, req.StartIndex, overrides)
	if err != nil {
		abortWithError(c, err)
		return
	}
	streamPipeline(c, events)
}

// streamPipeline 把流水线事件通道透传为 SSE。
// 通道关闭即流结束；客户端断开由 gin 的 Stream 自行感知。
func streamPipeline(c *gin.Context, events <-chan service.PipelineEvent) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(ev.Type, ev)
		return true
	})
}
