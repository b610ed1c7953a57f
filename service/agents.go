package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"motionweaver-server/config"
)

// WorkerStepRunner 调用模型 worker 的大纲智能体接口。
// 与媒体生成不同，大纲步骤是同步请求：worker 在单次 HTTP 往返内返回结果。
type WorkerStepRunner struct {
	endpoint string
	http     *http.Client
}

func NewWorkerStepRunner() *WorkerStepRunner {
	timeout := time.Duration(config.AppConfig.Pipeline.StepTimeout) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &WorkerStepRunner{
		endpoint: config.AppConfig.Worker.Addr,
		http:     &http.Client{Timeout: timeout},
	}
}

// RunStep POST /v1/agents/{key}，请求体带 logline、style 和之前各步的结果
func (r *WorkerStepRunner) RunStep(ctx context.Context, key string, in StepInput) (json.RawMessage, error) {
	reqBody := map[string]interface{}{
		"logline": in.Logline,
		"style":   in.Style,
		"prior":   in.Prior,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request failed: %w", err)
	}

	url := fmt.Sprintf("%s/v1/agents/%s", r.endpoint, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent status code: %d", resp.StatusCode)
	}

	var respData struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("decode agent response failed: %w", err)
	}
	if len(respData.Result) == 0 {
		return nil, fmt.Errorf("agent response missing 'result'")
	}
	return respData.Result, nil
}
