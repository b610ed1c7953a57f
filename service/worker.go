package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"motionweaver-server/config"
)

// WorkerJob worker 侧任务的精简视图
type WorkerJob struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Rendered    int             `json:"rendered"`
	Total       int             `json:"total"`
	ResourceUrl string          `json:"resource_url"`
	AudioUrl    string          `json:"audio_url,omitempty"` // 图片任务可附带旁白音频
	Duration    float64         `json:"duration,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"` // 文本类任务（剧本/分镜）的结构化结果
	Error       string          `json:"error"`
}

func (j *WorkerJob) Finished() bool {
	switch j.Status {
	case "finished", "success", "completed", "succeeded":
		return true
	}
	return false
}

func (j *WorkerJob) Failed() bool {
	return j.Status == "failed" || j.Status == "error"
}

// WorkerClient 模型 worker 的 HTTP 客户端。
// 核心只关心：提交拿到 job id，轮询拿到唯一的终态，必要时取消。
type WorkerClient struct {
	Endpoint string
	http     *http.Client
}

func NewWorkerClient() *WorkerClient {
	return &WorkerClient{
		Endpoint: config.AppConfig.Worker.Addr,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitJob 发送 POST /v1/generate，返回 worker 侧 job_id
func (w *WorkerClient) SubmitJob(ctx context.Context, kind string, params map[string]interface{}) (string, error) {
	reqBody := map[string]interface{}{
		"type":       kind,
		"parameters": params,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %w", err)
	}

	fullURL := w.Endpoint + "/v1/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("worker status code: %d", resp.StatusCode)
	}

	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("decode response failed: %w", err)
	}
	if id, ok := respData["id"].(string); ok && id != "" {
		return id, nil
	}
	if jobID, ok := respData["job_id"].(string); ok && jobID != "" {
		return jobID, nil
	}
	return "", fmt.Errorf("response missing 'id'")
}

// GetJob 查询单个 job 状态
func (w *WorkerClient) GetJob(ctx context.Context, jobID string) (*WorkerJob, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", w.Endpoint, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var job WorkerJob
	if err := json.Unmarshal(bodyBytes, &job); err != nil {
		bodyStr := string(bodyBytes)
		if len(bodyStr) > 2000 {
			bodyStr = bodyStr[:2000] + "..."
		}
		return nil, fmt.Errorf("解析响应失败: %w, body: %s", err, bodyStr)
	}
	return &job, nil
}

// CancelJob 通知 worker 删除 job（合成 reset / 项目更新时调用）
func (w *WorkerClient) CancelJob(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("empty job id")
	}
	url := w.Endpoint + "/v1/jobs/" + jobID
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("create delete request failed: %w", err)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker delete request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var respData map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&respData)
		return fmt.Errorf("worker delete status: %d, body: %+v", resp.StatusCode, respData)
	}
	return nil
}

// PollJob 轮询直到终态。核心不会阻塞请求线程等待 job，本函数只在 asynq
// 消费协程里运行。取消由注册表里的 cancelFunc 触发。
func (w *WorkerClient) PollJob(ctx context.Context, jobID string, onProgress func(*WorkerJob)) (*WorkerJob, error) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	timeout := time.After(30 * time.Minute)

	for {
		select {
		case <-timeout:
			return nil, fmt.Errorf("polling timeout")
		case <-ctx.Done():
			return nil, fmt.Errorf("polling canceled: %v", ctx.Err())
		case <-ticker.C:
			job, err := w.GetJob(ctx, jobID)
			if err != nil {
				log.Printf("轮询网络错误(重试中): %v", err)
				continue
			}
			if onProgress != nil {
				onProgress(job)
			}
			if job.Finished() {
				return job, nil
			}
			if job.Failed() {
				return nil, fmt.Errorf("worker reported failure: %s", job.Error)
			}
		}
	}
}

// poll 取消注册表（taskID -> cancelFunc），reset/更新接口用它掐掉在途轮询
var pollCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

func RegisterPollCancel(taskID string, cancel context.CancelFunc) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	pollCancelRegistry.m[taskID] = cancel
}

func UnregisterPollCancel(taskID string) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	delete(pollCancelRegistry.m, taskID)
}

// CancelPollTask 取消正在轮询的任务，返回是否实际找到并取消
func CancelPollTask(taskID string) bool {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	if cancel, ok := pollCancelRegistry.m[taskID]; ok {
		cancel()
		delete(pollCancelRegistry.m, taskID)
		return true
	}
	return false
}
