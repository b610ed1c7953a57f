package routers

import (
	"motionweaver-server/routers/api"
	"motionweaver-server/service"

	"github.com/gin-gonic/gin"
)

// InitRouter 注入服务依赖并注册全部路由
func InitRouter(d *service.Dispatcher, c *service.Composer, p *service.PipelineManager, h *service.Hub, q service.JobSubmitter) *gin.Engine {
	api.Init(d, c, p, h, q)

	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		// 项目
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects", api.ListProjects)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.PATCH("/projects/:project_id", api.UpdateProject)
		v1.DELETE("/projects/:project_id", api.DeleteProject)
		v1.POST("/projects/:project_id/advance-status", api.AdvanceProjectStatus)

		// 大纲流水线（SSE）
		v1.POST("/projects/:project_id/pipeline/start", api.StartPipeline)
		v1.POST("/projects/:project_id/pipeline/continue", api.ContinuePipeline)

		// 分集
		v1.POST("/projects/:project_id/episodes/derive", api.DeriveEpisodes)
		v1.GET("/projects/:project_id/episodes", api.ListEpisodes)
		v1.GET("/episodes/:episode_id", api.GetEpisode)
		v1.PATCH("/episodes/:episode_id", api.UpdateEpisode)
		v1.POST("/episodes/:episode_id/advance-status", api.AdvanceEpisodeStatus)
		v1.POST("/episodes/:episode_id/generate-script", api.GenerateScript)
		v1.POST("/episodes/:episode_id/parse-storyboard", api.ParseStoryboard)

		// 场景
		v1.GET("/episodes/:episode_id/scenes", api.ListEpisodeScenes)
		v1.GET("/projects/:project_id/scenes", api.ListProjectScenes)
		v1.POST("/projects/:project_id/scenes", api.CreateScenes)
		v1.PATCH("/scenes/:scene_id", api.UpdateScene)
		v1.POST("/projects/:project_id/scenes/reorder", api.ReorderScenes)
		v1.DELETE("/scenes/:scene_id", api.DeleteScene)

		// 素材生成
		v1.POST("/assets/dispatch", api.DispatchAssets)
		v1.POST("/assets/approve", api.ApproveScenes)
		v1.POST("/assets/retry", api.RetryScenes)
		v1.POST("/assets/regenerate", api.RegenerateAsset)

		// 成片合成
		v1.POST("/episodes/:episode_id/compose", api.ComposeEpisode)
		v1.POST("/episodes/:episode_id/compose/reset", api.ResetCompose)
		v1.POST("/projects/:project_id/compose", api.ComposeProject)

		// 任务
		v1.GET("/tasks/:task_id", api.GetTask)
		v1.GET("/projects/:project_id/tasks", api.ListProjectTasks)

		// 实时状态通道
		v1.GET("/ws/:project_id", api.ProjectWS)
	}
	return r
}
