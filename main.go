package main

import (
	"log"

	"motionweaver-server/config"
	"motionweaver-server/models"
	"motionweaver-server/routers"
	"motionweaver-server/service"
)

func main() {
	config.InitConfig()
	models.InitDB()
	service.InitQueue()
	service.InitMinIO()

	rdb := service.NewRedisClient()
	hub := service.NewHub(rdb)
	store := service.NewGormStore(models.GormDB)
	queue := service.NewQueueSubmitter()

	dispatcher := service.NewDispatcher(store, queue, hub)
	worker := service.NewWorkerClient()
	composer := service.NewComposer(store, queue, hub, service.NewWorkerComposeBackend(worker))
	pipeline := service.NewPipelineManager(service.NewWorkerStepRunner(), store)

	processor := service.NewProcessor(models.GormDB, worker, dispatcher, composer, hub)
	go processor.StartProcessor()

	reconciler := service.NewReconciler(models.GormDB, hub)
	reconciler.Start()
	defer reconciler.Stop()

	r := routers.InitRouter(dispatcher, composer, pipeline, hub, queue)
	log.Printf("服务启动，监听 %s", config.AppConfig.Server.Port)
	if err := r.Run(config.AppConfig.Server.Port); err != nil {
		log.Fatalf("服务启动失败: %v", err)
	}
}
