package service

import (
	"log"
	"time"

	"motionweaver-server/config"
	"motionweaver-server/models"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Reconciler 定时对账：找出状态与产物字段漂移且长时间未更新的场景，
// 标成 ERROR 并广播，让用户侧看到可重试入口。状态列本身是断言，
// 对账只负责把断言和事实重新拉齐。
type Reconciler struct {
	db     *gorm.DB
	events Publisher
	cron   *cron.Cron
}

func NewReconciler(db *gorm.DB, events Publisher) *Reconciler {
	return &Reconciler{
		db:     db,
		events: events,
		cron:   cron.New(),
	}
}

// Start 每 10 分钟扫一轮
func (r *Reconciler) Start() {
	if _, err := r.cron.AddFunc("@every 10m", r.Sweep); err != nil {
		log.Fatalf("对账任务注册失败: %v", err)
	}
	r.cron.Start()
	log.Println("[Reconcile] 定时对账已启动")
}

func (r *Reconciler) Stop() {
	r.cron.Stop()
}

// Sweep 单轮扫描。只看非终态加 READY/REVIEW/APPROVED 这些可能漂移的状态，
// PENDING 和 ERROR 本来就是可派发的，不用管。
func (r *Reconciler) Sweep() {
	stuckAfter := time.Duration(config.AppConfig.Reconcile.StuckAfter) * time.Minute
	now := time.Now()

	var scenes []models.Scene
	err := r.db.Where("status IN ?", []string{
		models.SceneStatusGenerating,
		models.SceneStatusReview,
		models.SceneStatusApproved,
		models.SceneStatusVideoGen,
		models.SceneStatusReady,
	}).Find(&scenes).Error
	if err != nil {
		log.Printf("[Reconcile] 扫描失败: %v", err)
		return
	}

	marked := 0
	for _, s := range scenes {
		if !s.Stuck(now, stuckAfter) {
			continue
		}
		err := r.db.Model(&models.Scene{}).Where("id = ? AND updated_at = ?", s.ID, s.UpdatedAt).
			Updates(map[string]interface{}{
				"status":        models.SceneStatusError,
				"error_message": "状态与产物不一致，已标记可重试",
				"active_job_id": "",
				"updated_at":    now,
			}).Error
		if err != nil {
			log.Printf("[Reconcile] 标记失败 scene=%s: %v", s.ID, err)
			continue
		}
		marked++
		r.events.Publish(s.ProjectId, Event{
			Type:      "scene_update",
			SceneId:   s.ID,
			EpisodeId: s.EpisodeId,
			Status:    models.SceneStatusError,
			Message:   "状态与产物不一致，已标记可重试",
		})
	}
	if marked > 0 {
		log.Printf("[Reconcile] 本轮标记 %d 个漂移场景", marked)
	}
}
