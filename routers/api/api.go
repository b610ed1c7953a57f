package api

import (
	"errors"
	"net/http"

	"motionweaver-server/models"
	"motionweaver-server/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// 包级依赖，启动时由 routers.InitRouter 注入
var (
	Dispatcher *service.Dispatcher
	Composer   *service.Composer
	Pipeline   *service.PipelineManager
	Hub        *service.Hub
	Queue      service.JobSubmitter
)

func Init(d *service.Dispatcher, c *service.Composer, p *service.PipelineManager, h *service.Hub, q service.JobSubmitter) {
	Dispatcher = d
	Composer = c
	Pipeline = p
	Hub = h
	Queue = q
}

// statusCodeFor 状态机错误映射 409，记录缺失映射 404，其余 500
func statusCodeFor(err error) int {
	var ite *models.IllegalTransitionError
	if errors.As(err, &ite) {
		return http.StatusConflict
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusCodeFor(err), gin.H{"error": err.Error()})
}

func serviceEntityEvent(episodeID, status string) service.Event {
	return service.Event{
		Type:      "entity_update",
		EpisodeId: episodeID,
		Status:    status,
	}
}
