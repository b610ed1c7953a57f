package service

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"motionweaver-server/models"
)

// ---- 共享假实现 ----

type fakeStore struct {
	mu     sync.Mutex
	scenes map[string]*models.Scene
	tasks  []*models.Task

	updateErr error
	taskErr   error
}

func newFakeStore(scenes ...*models.Scene) *fakeStore {
	fs := &fakeStore{scenes: make(map[string]*models.Scene)}
	for _, s := range scenes {
		fs.scenes[s.ID] = s
	}
	return fs
}

func (f *fakeStore) GetScene(id string) (*models.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scenes[id]
	if !ok {
		return nil, fmt.Errorf("scene not found: %s", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) UpdateScene(id string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	s, ok := f.scenes[id]
	if !ok {
		return fmt.Errorf("scene not found: %s", id)
	}
	for k, v := range fields {
		switch k {
		case "status":
			s.Status = v.(string)
		case "active_job_id":
			s.ActiveJobId = v.(string)
		case "error_message":
			s.ErrorMessage = v.(string)
		case "audio_path":
			s.AudioPath = v.(string)
		case "image_path":
			s.ImagePath = v.(string)
		case "video_path":
			s.VideoPath = v.(string)
		case "audio_duration":
			s.AudioDuration = v.(float64)
		case "video_duration":
			s.VideoDuration = v.(float64)
		case "updated_at":
			s.UpdatedAt = v.(time.Time)
		}
	}
	return nil
}

func (f *fakeStore) ScenesByEpisode(episodeID string) ([]models.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []models.Scene
	for _, s := range f.scenes {
		if s.EpisodeId == episodeID {
			res = append(res, *s)
		}
	}
	return res, nil
}

func (f *fakeStore) ScenesByProject(projectID string) ([]models.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []models.Scene
	for _, s := range f.scenes {
		if s.ProjectId == projectID && s.EpisodeId == "" {
			res = append(res, *s)
		}
	}
	return res, nil
}

func (f *fakeStore) CreateTask(t *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taskErr != nil {
		return f.taskErr
	}
	f.tasks = append(f.tasks, t)
	return nil
}

type fakeQueue struct {
	mu        sync.Mutex
	submitted []string
	err       error
}

func (q *fakeQueue) Submit(taskID, kind string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.submitted = append(q.submitted, taskID)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *fakePublisher) Publish(projectID string, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePublisher) byType(t string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res []Event
	for _, ev := range p.events {
		if ev.Type == t {
			res = append(res, ev)
		}
	}
	return res
}

func pendingScene(id string) *models.Scene {
	return &models.Scene{
		ID:        id,
		ProjectId: "p1",
		EpisodeId: "e1",
		Status:    models.SceneStatusPending,
	}
}

// ---- DispatchBatch ----

func TestDispatchBatchSkipsNonDispatchable(t *testing.T) {
	s1 := pendingScene("s1")
	s2 := pendingScene("s2")
	s2.Status = models.SceneStatusGenerating // 在途，不可重复派发
	store := newFakeStore(s1, s2)
	queue := &fakeQueue{}
	pub := &fakePublisher{}
	d := NewDispatcher(store, queue, pub)

	res, err := d.DispatchBatch([]string{"s1", "s2", "missing"}, models.TaskKindImage)
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if res.Dispatched != 1 {
		t.Fatalf("应只派发 1 个, got %d", res.Dispatched)
	}
	if res.Jobs[0].SceneId != "s1" {
		t.Errorf("派发对象不对: %+v", res.Jobs)
	}
	if len(queue.submitted) != 1 {
		t.Errorf("队列提交数不对: %d", len(queue.submitted))
	}

	got, _ := store.GetScene("s1")
	if got.Status != models.SceneStatusGenerating {
		t.Errorf("派发后状态应为 GENERATING, got %s", got.Status)
	}
	if got.ActiveJobId != res.Jobs[0].JobId {
		t.Errorf("围栏 job id 未写入: %q", got.ActiveJobId)
	}
}

func TestDispatchBatchRejectsUnknownKind(t *testing.T) {
	d := NewDispatcher(newFakeStore(), &fakeQueue{}, &fakePublisher{})
	if _, err := d.DispatchBatch([]string{"s1"}, "compose_final"); err == nil {
		t.Fatal("compose_final 不是可派发类型，应报错")
	}
}

func TestDispatchSubmitFailureRevertsToError(t *testing.T) {
	s1 := pendingScene("s1")
	store := newFakeStore(s1)
	queue := &fakeQueue{err: errors.New("redis down")}
	pub := &fakePublisher{}
	d := NewDispatcher(store, queue, pub)

	res, err := d.DispatchBatch([]string{"s1"}, models.TaskKindImage)
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if res.Dispatched != 0 {
		t.Fatalf("提交失败不应计入派发数: %d", res.Dispatched)
	}

	got, _ := store.GetScene("s1")
	if got.Status != models.SceneStatusError {
		t.Errorf("提交失败应回退到 ERROR, got %s", got.Status)
	}
	if got.ActiveJobId != "" {
		t.Errorf("回退后围栏应清空: %q", got.ActiveJobId)
	}
	if got.ErrorMessage == "" {
		t.Error("回退应写入错误信息")
	}
}

// ---- Settle 与围栏 ----

func TestSettleStaleCallbackIgnored(t *testing.T) {
	s1 := pendingScene("s1")
	s1.Status = models.SceneStatusGenerating
	s1.ActiveJobId = "job-new"
	store := newFakeStore(s1)
	pub := &fakePublisher{}
	d := NewDispatcher(store, &fakeQueue{}, pub)

	// 旧 job 的回调晚到：按围栏拒绝，不报错
	err := d.Settle("job-old", "s1", Outcome{Kind: models.TaskKindImage, Success: true, ArtifactPath: "old.png"})
	if err != nil {
		t.Fatalf("过期回调不应报错: %v", err)
	}
	got, _ := store.GetScene("s1")
	if got.Status != models.SceneStatusGenerating {
		t.Errorf("过期回调不应改状态: %s", got.Status)
	}
	if got.ImagePath != "" {
		t.Errorf("过期回调不应写产物: %q", got.ImagePath)
	}
	if len(pub.events) != 0 {
		t.Errorf("过期回调不应发事件: %d", len(pub.events))
	}
}

func TestSettleSuccessWritesArtifact(t *testing.T) {
	s1 := pendingScene("s1")
	s1.Status = models.SceneStatusGenerating
	s1.ActiveJobId = "job-1"
	store := newFakeStore(s1)
	pub := &fakePublisher{}
	d := NewDispatcher(store, &fakeQueue{}, pub)

	err := d.Settle("job-1", "s1", Outcome{
		Kind:         models.TaskKindImage,
		Success:      true,
		ArtifactPath: "img.png",
		AudioPath:    "narration.mp3",
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	got, _ := store.GetScene("s1")
	if got.Status != models.SceneStatusReview {
		t.Errorf("图片落账后应为 REVIEW, got %s", got.Status)
	}
	if got.ImagePath != "img.png" || got.AudioPath != "narration.mp3" {
		t.Errorf("产物未写入: image=%q audio=%q", got.ImagePath, got.AudioPath)
	}
	if got.ActiveJobId != "" {
		t.Errorf("落账后围栏应清空: %q", got.ActiveJobId)
	}
}

func TestSettleFailureMarksError(t *testing.T) {
	s1 := pendingScene("s1")
	s1.Status = models.SceneStatusVideoGen
	s1.ActiveJobId = "job-1"
	store := newFakeStore(s1)
	pub := &fakePublisher{}
	d := NewDispatcher(store, &fakeQueue{}, pub)

	if err := d.Settle("job-1", "s1", Outcome{Kind: models.TaskKindVideo, Err: "gpu oom"}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	got, _ := store.GetScene("s1")
	if got.Status != models.SceneStatusError {
		t.Errorf("失败落账应为 ERROR, got %s", got.Status)
	}
	if got.ErrorMessage != "gpu oom" {
		t.Errorf("错误信息未写入: %q", got.ErrorMessage)
	}
}

func TestSettleFailureTruncatesPublishedError(t *testing.T) {
	s1 := pendingScene("s1")
	s1.Status = models.SceneStatusGenerating
	s1.ActiveJobId = "job-1"
	store := newFakeStore(s1)
	pub := &fakePublisher{}
	d := NewDispatcher(store, &fakeQueue{}, pub)

	long := make([]byte, models.SceneErrorDisplayLimit+100)
	for i := range long {
		long[i] = 'x'
	}
	if err := d.Settle("job-1", "s1", Outcome{Kind: models.TaskKindImage, Err: string(long)}); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	// 完整错误落库，事件里的做截断
	got, _ := store.GetScene("s1")
	if len(got.ErrorMessage) != len(long) {
		t.Errorf("落库错误不应截断: %d", len(got.ErrorMessage))
	}
	events := pub.byType("scene_update")
	if len(events) != 1 {
		t.Fatalf("应有 1 个事件, got %d", len(events))
	}
	msg := events[0].Message
	if len(msg) != models.SceneErrorDisplayLimit+3 || msg[len(msg)-3:] != "..." {
		t.Errorf("事件错误信息应按展示上限截断: len=%d", len(msg))
	}
}

// ---- 扇入聚合 ----

func TestSettleFanInAllReady(t *testing.T) {
	s1 := pendingScene("s1")
	s1.Status = models.SceneStatusReady
	s1.VideoPath = "v1.mp4"
	s2 := pendingScene("s2")
	s2.Status = models.SceneStatusVideoGen
	s2.ActiveJobId = "job-2"
	store := newFakeStore(s1, s2)
	pub := &fakePublisher{}
	d := NewDispatcher(store, &fakeQueue{}, pub)

	// 最后一个场景落账，应触发 ALL_SCENES_READY
	if err := d.Settle("job-2", "s2", Outcome{Kind: models.TaskKindVideo, Success: true, ArtifactPath: "v2.mp4"}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	entity := pub.byType("entity_update")
	if len(entity) != 1 {
		t.Fatalf("应有 1 个聚合事件, got %d", len(entity))
	}
	if entity[0].Status != "ALL_SCENES_READY" {
		t.Errorf("聚合状态不对: %s", entity[0].Status)
	}
	if entity[0].EpisodeId != "e1" {
		t.Errorf("聚合事件应带分集 id: %q", entity[0].EpisodeId)
	}
}

func TestSettleFanInAllReviewable(t *testing.T) {
	s1 := pendingScene("s1")
	s1.Status = models.SceneStatusReview
	s2 := pendingScene("s2")
	s2.Status = models.SceneStatusGenerating
	s2.ActiveJobId = "job-2"
	store := newFakeStore(s1, s2)
	pub := &fakePublisher{}
	d := NewDispatcher(store, &fakeQueue{}, pub)

	if err := d.Settle("job-2", "s2", Outcome{Kind: models.TaskKindImage, Success: true, ArtifactPath: "i2.png"}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	entity := pub.byType("entity_update")
	if len(entity) != 1 || entity[0].Status != "ALL_SCENES_REVIEWABLE" {
		t.Fatalf("应触发 ALL_SCENES_REVIEWABLE, got %+v", entity)
	}
}

func TestSettleNoAggregateWhilePending(t *testing.T) {
	s1 := pendingScene("s1")
	s2 := pendingScene("s2")
	s2.Status = models.SceneStatusGenerating
	s2.ActiveJobId = "job-2"
	store := newFakeStore(s1, s2)
	pub := &fakePublisher{}
	d := NewDispatcher(store, &fakeQueue{}, pub)

	if err := d.Settle("job-2", "s2", Outcome{Kind: models.TaskKindImage, Success: true, ArtifactPath: "i2.png"}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if entity := pub.byType("entity_update"); len(entity) != 0 {
		t.Fatalf("还有 PENDING 场景时不应发聚合事件: %+v", entity)
	}
}

// ---- BatchApprove ----

func TestBatchApproveOnlyReview(t *testing.T) {
	s1 := pendingScene("s1")
	s1.Status = models.SceneStatusReview
	s2 := pendingScene("s2") // PENDING，跳过
	s3 := pendingScene("s3")
	s3.Status = models.SceneStatusApproved // 已通过，幂等跳过
	store := newFakeStore(s1, s2, s3)
	pub := &fakePublisher{}
	d := NewDispatcher(store, &fakeQueue{}, pub)

	approved, err := d.BatchApprove([]string{"s1", "s2", "s3"})
	if err != nil {
		t.Fatalf("BatchApprove: %v", err)
	}
	if approved != 1 {
		t.Fatalf("应只通过 1 个, got %d", approved)
	}
	got, _ := store.GetScene("s1")
	if got.Status != models.SceneStatusApproved {
		t.Errorf("s1 应为 APPROVED, got %s", got.Status)
	}
	got2, _ := store.GetScene("s2")
	if got2.Status != models.SceneStatusPending {
		t.Errorf("s2 不应被改动, got %s", got2.Status)
	}
}

func TestBatchApproveEmptyIsZero(t *testing.T) {
	d := NewDispatcher(newFakeStore(), &fakeQueue{}, &fakePublisher{})
	approved, err := d.BatchApprove(nil)
	if err != nil || approved != 0 {
		t.Fatalf("空列表应返回 0: approved=%d err=%v", approved, err)
	}
}

// ---- RetryStuck ----

func TestRetryStuckErrorScene(t *testing.T) {
	s1 := pendingScene("s1")
	s1.Status = models.SceneStatusError // 没图片，应重派图片
	store := newFakeStore(s1)
	queue := &fakeQueue{}
	d := NewDispatcher(store, queue, &fakePublisher{})

	res, err := d.RetryStuck([]string{"s1"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("RetryStuck: %v", err)
	}
	if res.Dispatched != 1 {
		t.Fatalf("应重派 1 个, got %d", res.Dispatched)
	}
	got, _ := store.GetScene("s1")
	if got.Status != models.SceneStatusGenerating {
		t.Errorf("重派后应为 GENERATING, got %s", got.Status)
	}
}

func TestRetryStuckDriftedScene(t *testing.T) {
	// READY 但视频为空且长时间未更新：状态与产物漂移
	s1 := pendingScene("s1")
	s1.Status = models.SceneStatusReady
	s1.ImagePath = "img.png"
	s1.UpdatedAt = time.Now().Add(-time.Hour)
	store := newFakeStore(s1)
	d := NewDispatcher(store, &fakeQueue{}, &fakePublisher{})

	res, err := d.RetryStuck([]string{"s1"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("RetryStuck: %v", err)
	}
	if res.Dispatched != 1 {
		t.Fatalf("漂移场景应被重派, got %d", res.Dispatched)
	}
	got, _ := store.GetScene("s1")
	if got.Status != models.SceneStatusVideoGen {
		t.Errorf("缺视频应重派视频任务, got %s", got.Status)
	}
}

func TestRetryStuckSkipsHealthy(t *testing.T) {
	s1 := pendingScene("s1")
	s1.Status = models.SceneStatusReady
	s1.VideoPath = "v.mp4"
	s1.UpdatedAt = time.Now().Add(-time.Hour)
	store := newFakeStore(s1)
	d := NewDispatcher(store, &fakeQueue{}, &fakePublisher{})

	res, err := d.RetryStuck([]string{"s1"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("RetryStuck: %v", err)
	}
	if res.Dispatched != 0 {
		t.Fatalf("健康场景不应被重派: %d", res.Dispatched)
	}
}
