package api

import (
	"net/http"

	"motionweaver-server/models"

	"github.com/gin-gonic/gin"
)

func GetTask(c *gin.Context) {
	task, err := models.GetTaskByIDGorm(models.GormDB, c.Param("task_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListProjectTasks 项目任务列表，可按状态过滤
func ListProjectTasks(c *gin.Context) {
	tasks, err := models.GetTasksByProjectID(models.GormDB, c.Param("project_id"), c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}
