package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

// 未知状态值在查库前就被拒绝
func TestAdvanceEpisodeStatusRejectsUnknownTarget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/episodes/:episode_id/advance-status", AdvanceEpisodeStatus)

	req := httptest.NewRequest(http.MethodPost, "/episodes/e1/advance-status",
		strings.NewReader(`{"target_status":"BOGUS"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("未知状态应返回 400, got %d", w.Code)
	}
}

func TestAdvanceEpisodeStatusRequiresTarget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/episodes/:episode_id/advance-status", AdvanceEpisodeStatus)

	req := httptest.NewRequest(http.MethodPost, "/episodes/e1/advance-status",
		strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("缺少 target_status 应返回 400, got %d", w.Code)
	}
}
