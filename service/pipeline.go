package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"motionweaver-server/models"
)

// 大纲流水线：四个智能体严格串行，每步产出可编辑的结构化 JSON。
// 步骤定义（顺序即执行顺序）
var PipelineSteps = []PipelineStep{
	{Key: "intent", Index: 0, Label: "意图识别"},
	{Key: "world", Index: 1, Label: "世界观 & 角色构建"},
	{Key: "plot", Index: 2, Label: "剧情架构"},
	{Key: "assemble", Index: 3, Label: "组装大纲"},
}

type PipelineStep struct {
	Key   string `json:"key"`
	Index int    `json:"index"`
	Label string `json:"label"`
}

// PipelineEvent SSE 推送的流水线事件
type PipelineEvent struct {
	Type    string          `json:"event_type"` // step_start / step_complete / pipeline_complete / error
	Step    string          `json:"step,omitempty"`
	Label   string          `json:"label,omitempty"`
	Index   int             `json:"index"`
	Total   int             `json:"total"`
	Result  json.RawMessage `json:"result,omitempty"`
	Outline string          `json:"outline,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StepInput 单步执行的输入：logline、风格，以及之前各步的结果
type StepInput struct {
	Logline string
	Style   string
	Prior   map[string]json.RawMessage
}

// StepRunner 单步执行器。生产实现调用模型 worker，测试用假实现。
type StepRunner interface {
	RunStep(ctx context.Context, key string, in StepInput) (json.RawMessage, error)
}

// PipelineProjectStore 流水线完成后的落库面
type PipelineProjectStore interface {
	ProjectStatus(projectID string) (string, error)
	CompleteOutline(projectID, outline string) error
}

var ErrPipelineActive = errors.New("该项目已有进行中的大纲流水线")

// pipelineRun 一次流水线运行的内存态。除非最终落库，步骤结果不持久化。
type pipelineRun struct {
	projectID string
	logline   string
	style     string
	results   []json.RawMessage // 按步骤下标存放已完成结果
	done      int               // 已完成步骤数
	active    bool
}

// PipelineManager 保证每个项目至多一个活动运行；失败的运行保留已完成
// 步骤结果，供编辑后 ContinueFrom 续跑。
type PipelineManager struct {
	runner StepRunner
	store  PipelineProjectStore

	mu   sync.Mutex
	runs map[string]*pipelineRun
}

func NewPipelineManager(runner StepRunner, store PipelineProjectStore) *PipelineManager {
	return &PipelineManager{
		runner: runner,
		store:  store,
		runs:   make(map[string]*pipelineRun),
	}
}

// Start 从第 0 步开始跑。项目必须处于 DRAFT 或 OUTLINE_REVIEW。
// 并发的第二次 Start 立即失败，不排队。
func (m *PipelineManager) Start(ctx context.Context, projectID, logline, style string) (<-chan PipelineEvent, error) {
	status, err := m.store.ProjectStatus(projectID)
	if err != nil {
		return nil, err
	}
	if status != models.ProjectStatusDraft && status != models.ProjectStatusOutlineReview {
		return nil, fmt.Errorf("项目状态 %s 不允许生成大纲", status)
	}

	m.mu.Lock()
	if run, ok := m.runs[projectID]; ok && run.active {
		m.mu.Unlock()
		return nil, ErrPipelineActive
	}
	run := &pipelineRun{
		projectID: projectID,
		logline:   logline,
		style:     style,
		results:   make([]json.RawMessage, len(PipelineSteps)),
		active:    true,
	}
	m.runs[projectID] = run
	m.mu.Unlock()

	events := make(chan PipelineEvent, len(PipelineSteps)*2+2)
	go m.execute(ctx, run, 0, events)
	return events, nil
}

// ContinueFrom 用调用方编辑过的中间结果从 startIndex 续跑。
// overrides 的键是步骤下标；编辑过第 k 步后应当从 k+1 续跑。
// startIndex 之前的步骤不会重新执行。
func (m *PipelineManager) ContinueFrom(ctx context.Context, projectID string, startIndex int, overrides map[int]json.RawMessage) (<-chan PipelineEvent, error) {
	if startIndex < 0 || startIndex >= len(PipelineSteps) {
		return nil, fmt.Errorf("start_index 越界: %d", startIndex)
	}

	m.mu.Lock()
	run, ok := m.runs[projectID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("项目没有可续跑的流水线运行")
	}
	if run.active {
		m.mu.Unlock()
		return nil, ErrPipelineActive
	}
	if startIndex > run.done {
		m.mu.Unlock()
		return nil, fmt.Errorf("start_index %d 超过已完成步骤 %d", startIndex, run.done)
	}
	// 调用方提供的结果覆盖编排器自己存的：一旦用户改了某步输出，
	// 编排器先前的产出就不再权威
	for idx, result := range overrides {
		if idx >= 0 && idx < startIndex {
			run.results[idx] = result
		}
	}
	// startIndex 及之后全部作废重跑
	for i := startIndex; i < len(PipelineSteps); i++ {
		run.results[i] = nil
	}
	run.done = startIndex
	run.active = true
	m.mu.Unlock()

	events := make(chan PipelineEvent, len(PipelineSteps)*2+2)
	go m.execute(ctx, run, startIndex, events)
	return events, nil
}

// StepResult 取某步已完成的结果（派生分集时读 plot 步）
func (m *PipelineManager) StepResult(projectID, key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[projectID]
	if !ok {
		return nil, false
	}
	for _, step := range PipelineSteps {
		if step.Key == key && step.Index < run.done && run.results[step.Index] != nil {
			return run.results[step.Index], true
		}
	}
	return nil, false
}

// execute 串行执行 [startIndex, N)。任何一步失败即中止并发 error 事件，
// 已完成步骤的结果原样保留，不回滚。
func (m *PipelineManager) execute(ctx context.Context, run *pipelineRun, startIndex int, events chan<- PipelineEvent) {
	defer close(events)
	total := len(PipelineSteps)

	finish := func() {
		m.mu.Lock()
		run.active = false
		m.mu.Unlock()
	}

	for i := startIndex; i < total; i++ {
		step := PipelineSteps[i]
		events <- PipelineEvent{Type: "step_start", Step: step.Key, Label: step.Label, Index: step.Index, Total: total}

		prior := make(map[string]json.RawMessage)
		m.mu.Lock()
		for j := 0; j < i; j++ {
			prior[PipelineSteps[j].Key] = run.results[j]
		}
		m.mu.Unlock()

		result, err := m.runner.RunStep(ctx, step.Key, StepInput{
			Logline: run.logline,
			Style:   run.style,
			Prior:   prior,
		})
		if err != nil {
			log.Printf("[Pipeline] 步骤 %s 失败 project=%s: %v", step.Key, run.projectID, err)
			events <- PipelineEvent{
				Type:  "error",
				Step:  step.Key,
				Index: step.Index,
				Total: total,
				Error: fmt.Sprintf("[%s] %v", step.Key, err),
			}
			finish()
			return
		}

		m.mu.Lock()
		run.results[i] = result
		run.done = i + 1
		m.mu.Unlock()

		events <- PipelineEvent{Type: "step_complete", Step: step.Key, Label: step.Label, Index: step.Index, Total: total, Result: result}
	}

	// 最后一步（assemble）的结果里取成稿大纲
	var assembled struct {
		Outline string `json:"outline"`
	}
	m.mu.Lock()
	final := run.results[total-1]
	m.mu.Unlock()
	if err := json.Unmarshal(final, &assembled); err != nil || assembled.Outline == "" {
		events <- PipelineEvent{Type: "error", Step: "assemble", Index: total - 1, Total: total, Error: "组装结果缺少 outline 字段"}
		finish()
		return
	}

	if err := m.store.CompleteOutline(run.projectID, assembled.Outline); err != nil {
		log.Printf("[Pipeline] 大纲落库失败 project=%s: %v", run.projectID, err)
		events <- PipelineEvent{Type: "error", Step: "assemble", Index: total - 1, Total: total, Error: fmt.Sprintf("大纲落库失败: %v", err)}
		finish()
		return
	}

	events <- PipelineEvent{Type: "pipeline_complete", Total: total, Outline: assembled.Outline}
	finish()
}
