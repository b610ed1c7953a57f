package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"motionweaver-server/models"
)

type fakeStepRunner struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
	results map[string]string // key -> 返回的 JSON
	inputs  map[string]StepInput
}

func newFakeRunner() *fakeStepRunner {
	return &fakeStepRunner{
		results: map[string]string{
			"intent":   `{"genre":"古风"}`,
			"world":    `{"world":"修真大陆","characters":["林霜"]}`,
			"plot":     `{"episodes":[{"episode_number":1,"title":"初入宗门","synopsis":"..."}]}`,
			"assemble": `{"outline":"第一卷：初入宗门……"}`,
		},
		inputs: make(map[string]StepInput),
	}
}

func (r *fakeStepRunner) RunStep(ctx context.Context, key string, in StepInput) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls = append(r.calls, key)
	r.inputs[key] = in
	r.mu.Unlock()
	if key == r.failOn {
		return nil, fmt.Errorf("模型超时")
	}
	return json.RawMessage(r.results[key]), nil
}

type fakeProjectStore struct {
	mu      sync.Mutex
	status  string
	outline string
	saveErr error
	saved   int
}

func (s *fakeProjectStore) ProjectStatus(projectID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

func (s *fakeProjectStore) CompleteOutline(projectID, outline string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.outline = outline
	s.saved++
	return nil
}

func collect(events <-chan PipelineEvent) []PipelineEvent {
	var res []PipelineEvent
	for ev := range events {
		res = append(res, ev)
	}
	return res
}

func TestPipelineFullRunEventOrder(t *testing.T) {
	runner := newFakeRunner()
	store := &fakeProjectStore{status: models.ProjectStatusDraft}
	m := NewPipelineManager(runner, store)

	events, err := m.Start(context.Background(), "p1", "一句话梗概", "古风")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := collect(events)

	// 4 步 × (step_start + step_complete) + pipeline_complete
	if len(got) != 9 {
		t.Fatalf("事件数不对: %d, %+v", len(got), got)
	}
	wantSteps := []string{"intent", "world", "plot", "assemble"}
	for i, step := range wantSteps {
		start, complete := got[i*2], got[i*2+1]
		if start.Type != "step_start" || start.Step != step {
			t.Errorf("第 %d 个事件应为 %s 的 step_start, got %+v", i*2, step, start)
		}
		if complete.Type != "step_complete" || complete.Step != step {
			t.Errorf("第 %d 个事件应为 %s 的 step_complete, got %+v", i*2+1, step, complete)
		}
		if complete.Result == nil {
			t.Errorf("step_complete 应携带结果: %+v", complete)
		}
	}
	final := got[8]
	if final.Type != "pipeline_complete" {
		t.Fatalf("最后应为 pipeline_complete, got %+v", final)
	}
	if final.Outline == "" {
		t.Error("完成事件应携带成稿大纲")
	}
	if store.outline == "" || store.saved != 1 {
		t.Errorf("大纲应落库一次: saved=%d", store.saved)
	}
}

func TestPipelineStepsReceivePriorResults(t *testing.T) {
	runner := newFakeRunner()
	store := &fakeProjectStore{status: models.ProjectStatusDraft}
	m := NewPipelineManager(runner, store)

	events, err := m.Start(context.Background(), "p1", "梗概", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(events)

	in := runner.inputs["assemble"]
	for _, key := range []string{"intent", "world", "plot"} {
		if _, ok := in.Prior[key]; !ok {
			t.Errorf("assemble 步应拿到 %s 的结果", key)
		}
	}
	if _, ok := runner.inputs["intent"].Prior["world"]; ok {
		t.Error("intent 步不应拿到后续步骤的结果")
	}
}

func TestPipelineFailurePreservesResults(t *testing.T) {
	runner := newFakeRunner()
	runner.failOn = "plot"
	store := &fakeProjectStore{status: models.ProjectStatusDraft}
	m := NewPipelineManager(runner, store)

	events, err := m.Start(context.Background(), "p1", "梗概", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := collect(events)

	last := got[len(got)-1]
	if last.Type != "error" || last.Step != "plot" {
		t.Fatalf("应以 plot 步的 error 事件结束, got %+v", last)
	}
	if store.saved != 0 {
		t.Error("失败的运行不应落库")
	}
	// 已完成步骤结果保留，可供续跑
	if _, ok := m.StepResult("p1", "intent"); !ok {
		t.Error("intent 结果应保留")
	}
	if _, ok := m.StepResult("p1", "world"); !ok {
		t.Error("world 结果应保留")
	}
	if _, ok := m.StepResult("p1", "plot"); ok {
		t.Error("失败步骤不应有结果")
	}
}

func TestPipelineContinueFromRunsOnlyTail(t *testing.T) {
	runner := newFakeRunner()
	runner.failOn = "plot"
	store := &fakeProjectStore{status: models.ProjectStatusDraft}
	m := NewPipelineManager(runner, store)

	events, _ := m.Start(context.Background(), "p1", "梗概", "")
	collect(events)

	// 修好后从 plot 续跑
	runner.failOn = ""
	runner.mu.Lock()
	runner.calls = nil
	runner.mu.Unlock()

	events, err := m.ContinueFrom(context.Background(), "p1", 2, nil)
	if err != nil {
		t.Fatalf("ContinueFrom: %v", err)
	}
	got := collect(events)

	runner.mu.Lock()
	calls := append([]string(nil), runner.calls...)
	runner.mu.Unlock()
	if len(calls) != 2 || calls[0] != "plot" || calls[1] != "assemble" {
		t.Fatalf("续跑应只执行 plot、assemble, got %v", calls)
	}
	if got[len(got)-1].Type != "pipeline_complete" {
		t.Fatalf("续跑应完成, got %+v", got[len(got)-1])
	}
	if store.saved != 1 {
		t.Errorf("大纲应落库: saved=%d", store.saved)
	}
}

func TestPipelineContinueFromAppliesOverrides(t *testing.T) {
	runner := newFakeRunner()
	store := &fakeProjectStore{status: models.ProjectStatusDraft}
	m := NewPipelineManager(runner, store)

	events, _ := m.Start(context.Background(), "p1", "梗概", "")
	collect(events)

	// 用户编辑 world 步的结果后从 plot 续跑
	edited := json.RawMessage(`{"world":"蒸汽朋克都市","characters":["艾琳"]}`)
	events, err := m.ContinueFrom(context.Background(), "p1", 2, map[int]json.RawMessage{1: edited})
	if err != nil {
		t.Fatalf("ContinueFrom: %v", err)
	}
	collect(events)

	in := runner.inputs["plot"]
	if string(in.Prior["world"]) != string(edited) {
		t.Errorf("plot 步应拿到编辑后的 world 结果, got %s", in.Prior["world"])
	}
}

func TestPipelineConcurrentStartRejected(t *testing.T) {
	runner := newFakeRunner()
	store := &fakeProjectStore{status: models.ProjectStatusDraft}
	m := NewPipelineManager(runner, store)

	// 手工置一个活动运行，模拟并发窗口
	m.mu.Lock()
	m.runs["p1"] = &pipelineRun{projectID: "p1", active: true, results: make([]json.RawMessage, len(PipelineSteps))}
	m.mu.Unlock()

	if _, err := m.Start(context.Background(), "p1", "梗概", ""); !errors.Is(err, ErrPipelineActive) {
		t.Fatalf("并发 Start 应返回 ErrPipelineActive, got %v", err)
	}
	if _, err := m.ContinueFrom(context.Background(), "p1", 0, nil); !errors.Is(err, ErrPipelineActive) {
		t.Fatalf("活动运行期间 ContinueFrom 应被拒绝, got %v", err)
	}
}

func TestPipelineStartRejectsWrongStatus(t *testing.T) {
	m := NewPipelineManager(newFakeRunner(), &fakeProjectStore{status: models.ProjectStatusInProduction})
	if _, err := m.Start(context.Background(), "p1", "梗概", ""); err == nil {
		t.Fatal("IN_PRODUCTION 项目不应允许生成大纲")
	}
}

func TestPipelineContinueFromValidation(t *testing.T) {
	runner := newFakeRunner()
	runner.failOn = "world"
	store := &fakeProjectStore{status: models.ProjectStatusDraft}
	m := NewPipelineManager(runner, store)

	events, _ := m.Start(context.Background(), "p1", "梗概", "")
	collect(events)

	// 只完成了 intent，不能从 3 续跑
	if _, err := m.ContinueFrom(context.Background(), "p1", 3, nil); err == nil {
		t.Fatal("超过已完成步骤的续跑应被拒绝")
	}
	if _, err := m.ContinueFrom(context.Background(), "p1", -1, nil); err == nil {
		t.Fatal("负下标应被拒绝")
	}
	if _, err := m.ContinueFrom(context.Background(), "p2", 0, nil); err == nil {
		t.Fatal("没有运行记录的项目应被拒绝")
	}
}

func TestPipelineMissingOutlineField(t *testing.T) {
	runner := newFakeRunner()
	runner.results["assemble"] = `{"something_else":1}`
	store := &fakeProjectStore{status: models.ProjectStatusDraft}
	m := NewPipelineManager(runner, store)

	events, _ := m.Start(context.Background(), "p1", "梗概", "")
	got := collect(events)
	last := got[len(got)-1]
	if last.Type != "error" {
		t.Fatalf("缺 outline 字段应以 error 结束, got %+v", last)
	}
	if store.saved != 0 {
		t.Error("不应落库")
	}
}
