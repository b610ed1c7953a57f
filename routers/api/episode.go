package api

import (
	"encoding/json"
	"net/http"

	"motionweaver-server/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type episodeSeed struct {
	EpisodeNumber int    `json:"episode_number"`
	Title         string `json:"title"`
	Synopsis      string `json:"synopsis"`
}

type deriveEpisodesReq struct {
	Episodes []episodeSeed `json:"episodes"`
}

// DeriveEpisodes 从大纲派生分集并把项目推进到 IN_PRODUCTION。
// 请求体不带 episodes 时尝试从流水线 plot 步的结果里取。
func DeriveEpisodes(c *gin.Context) {
	projectID := c.Param("project_id")
	var req deriveEpisodesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Episodes) == 0 {
		raw, ok := Pipeline.StepResult(projectID, "plot")
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "没有可派生的分集：请求体未带 episodes 且无流水线结果"})
			return
		}
		var plot struct {
			Episodes []episodeSeed `json:"episodes"`
		}
		if err := json.Unmarshal(raw, &plot); err != nil || len(plot.Episodes) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "剧情架构结果缺少 episodes"})
			return
		}
		req.Episodes = plot.Episodes
	}

	p, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目不存在"})
		return
	}
	if err := p.AdvanceTo(models.ProjectStatusInProduction); err != nil {
		abortWithError(c, err)
		return
	}

	episodes := make([]models.Episode, 0, len(req.Episodes))
	for i, seed := range req.Episodes {
		number := seed.EpisodeNumber
		if number == 0 {
			number = i + 1
		}
		episodes = append(episodes, models.Episode{
			ID:            uuid.NewString(),
			ProjectId:     projectID,
			EpisodeNumber: number,
			Title:         seed.Title,
			Synopsis:      seed.Synopsis,
			Status:        models.EpisodeStatusScriptReview,
		})
	}
	if err := models.BatchCreateEpisodes(models.GormDB, episodes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := models.UpdateProjectStatus(projectID, p.Status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	Hub.Publish(projectID, serviceEntityEvent("", p.Status))
	c.JSON(http.StatusCreated, gin.H{"episodes": episodes})
}

type episodeView struct {
	models.Episode
	SceneCount int64 `json:"sceneCount"`
}

func ListEpisodes(c *gin.Context) {
	episodes, err := models.GetEpisodesByProjectID(models.GormDB, c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]episodeView, 0, len(episodes))
	for _, ep := range episodes {
		n, err := models.CountEpisodeScenes(models.GormDB, ep.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		views = append(views, episodeView{Episode: ep, SceneCount: n})
	}
	c.JSON(http.StatusOK, gin.H{"episodes": views})
}

func GetEpisode(c *gin.Context) {
	ep, err := models.GetEpisodeByIDGorm(models.GormDB, c.Param("episode_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

type updateEpisodeReq struct {
	Title      *string `json:"title"`
	Synopsis   *string `json:"synopsis"`
	FullScript *string `json:"full_script"`
}

// UpdateEpisode 剧本文本仅在 SCRIPT_REVIEW 可编辑
func UpdateEpisode(c *gin.Context) {
	id := c.Param("episode_id")
	var req updateEpisodeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ep, err := models.GetEpisodeByIDGorm(models.GormDB, id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	fields := map[string]interface{}{}
	if req.Title != nil {
		fields["title"] = *req.Title
	}
	if req.Synopsis != nil {
		fields["synopsis"] = *req.Synopsis
	}
	if req.FullScript != nil {
		if ep.Status != models.EpisodeStatusScriptReview {
			c.JSON(http.StatusConflict, gin.H{"error": "剧本仅在 SCRIPT_REVIEW 状态可编辑"})
			return
		}
		fields["full_script"] = *req.FullScript
	}
	if len(fields) > 0 {
		if err := models.GormDB.Model(&models.Episode{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	ep, _ = models.GetEpisodeByIDGorm(models.GormDB, id)
	c.JSON(http.StatusOK, ep)
}

// AdvanceEpisodeStatus 分集状态推进。COMPOSING -> PRODUCTION 属于合成
// reset，必须走专用入口，这里拒绝。
func AdvanceEpisodeStatus(c *gin.Context) {
	id := c.Param("episode_id")
	var req advanceStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	known := false
	for _, s := range models.EpisodeStatuses() {
		if s == req.TargetStatus {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未知的分集状态: " + req.TargetStatus})
		return
	}
	ep, err := models.GetEpisodeByIDGorm(models.GormDB, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if ep.IsComposeReset(req.TargetStatus) {
		c.JSON(http.StatusConflict, gin.H{"error": "取消合成请调用 compose/reset 接口"})
		return
	}
	// 进入 COMPOSING 的扇入闸门：全部场景必须 READY
	if req.TargetStatus == models.EpisodeStatusComposing {
		scenes, err := models.GetScenesByEpisodeID(models.GormDB, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, s := range scenes {
			if s.Status != models.SceneStatusReady {
				c.JSON(http.StatusConflict, gin.H{"error": "存在未就绪的场景，不能进入合成: " + s.ID})
				return
			}
		}
	}
	if err := ep.AdvanceTo(req.TargetStatus); err != nil {
		abortWithError(c, err)
		return
	}
	if err := models.UpdateEpisodeStatus(models.GormDB, id, ep.Status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	Hub.Publish(ep.ProjectId, serviceEntityEvent(id, ep.Status))
	c.JSON(http.StatusOK, ep)
}

type generateScriptReq struct {
	Style string `json:"style"`
}

// GenerateScript 触发分集剧本生成：SCRIPT_REVIEW -> SCRIPT_GENERATING，
// 投递后台任务，实际生成在消费端完成。
func GenerateScript(c *gin.Context) {
	id := c.Param("episode_id")
	var req generateScriptReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ep, err := models.GetEpisodeByIDGorm(models.GormDB, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	p, err := models.GetProjectByID(ep.ProjectId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := ep.AdvanceTo(models.EpisodeStatusScriptGenerating); err != nil {
		abortWithError(c, err)
		return
	}

	task := &models.Task{
		ID:        uuid.NewString(),
		ProjectId: ep.ProjectId,
		EpisodeId: ep.ID,
		Kind:      models.TaskKindScript,
		Status:    models.TaskStatusPending,
		Message:   "剧本生成任务排队中",
		Parameters: models.TaskParameters{
			Script: &models.ScriptParams{
				Outline:  p.WorldOutline,
				Synopsis: ep.Synopsis,
				Style:    req.Style,
			},
		},
	}
	if err := models.CreateTask(models.GormDB, task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := models.UpdateEpisodeStatus(models.GormDB, id, ep.Status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := Queue.Submit(task.ID, models.TaskKindScript); err != nil {
		// 入队失败回到可重试状态
		_ = models.UpdateEpisodeStatus(models.GormDB, id, models.EpisodeStatusScriptReview)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	Hub.Publish(ep.ProjectId, serviceEntityEvent(id, ep.Status))
	c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID, "status": ep.Status})
}

type parseStoryboardReq struct {
	Style string `json:"style"`
}

// ParseStoryboard 把剧本解析成场景分镜（后台任务）。
// 要求剧本非空且分集处于 SCRIPT_REVIEW 或 STORYBOARD（重新解析）。
func ParseStoryboard(c *gin.Context) {
	id := c.Param("episode_id")
	var req parseStoryboardReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ep, err := models.GetEpisodeByIDGorm(models.GormDB, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if ep.FullScript == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "剧本为空，无法解析分镜"})
		return
	}
	if ep.Status != models.EpisodeStatusScriptReview && ep.Status != models.EpisodeStatusStoryboard {
		c.JSON(http.StatusConflict, gin.H{"error": "当前状态不允许解析分镜: " + ep.Status})
		return
	}

	task := &models.Task{
		ID:        uuid.NewString(),
		ProjectId: ep.ProjectId,
		EpisodeId: ep.ID,
		Kind:      models.TaskKindStoryboard,
		Status:    models.TaskStatusPending,
		Message:   "分镜解析任务排队中",
		Parameters: models.TaskParameters{
			Storyboard: &models.StoryboardParams{
				Script: ep.FullScript,
				Style:  req.Style,
			},
		},
	}
	if err := models.CreateTask(models.GormDB, task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := Queue.Submit(task.ID, models.TaskKindStoryboard); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID})
}
