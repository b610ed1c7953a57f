package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// 项目状态（正向推进 + 显式回退）
const (
	ProjectStatusDraft         = "DRAFT"          // 仅有 logline，尚未生成大纲
	ProjectStatusOutlineReview = "OUTLINE_REVIEW" // 大纲已生成，等待人工审阅
	ProjectStatusScriptReview  = "SCRIPT_REVIEW"  // 旧版单集模式：整片剧本审阅
	ProjectStatusInProduction  = "IN_PRODUCTION"  // 分集已派生，进入逐集生产
	ProjectStatusCompleted     = "COMPLETED"      // 全部分集合成完毕
)

// 项目状态迁移表。不在表内的任何迁移一律拒绝，绝不静默纠正。
var projectTransitions = map[string][]string{
	ProjectStatusDraft:         {ProjectStatusOutlineReview},
	ProjectStatusOutlineReview: {ProjectStatusInProduction, ProjectStatusScriptReview},
	ProjectStatusScriptReview:  {ProjectStatusInProduction, ProjectStatusOutlineReview},
	ProjectStatusInProduction:  {ProjectStatusCompleted, ProjectStatusOutlineReview},
	ProjectStatusCompleted:     {},
}

// 回退迁移：破坏性（下游产物成为孤儿），必须由调用方显式确认
var projectRollbacks = map[string]string{
	ProjectStatusInProduction: ProjectStatusOutlineReview,
	ProjectStatusScriptReview: ProjectStatusOutlineReview,
}

// IllegalTransitionError 状态机拒绝迁移时返回，携带当前态与目标态供调用方提示
type IllegalTransitionError struct {
	Entity  string
	Current string
	Target  string
	Valid   []string
}

func (e *IllegalTransitionError) Error() string {
	valid := "none"
	if len(e.Valid) > 0 {
		valid = strings.Join(e.Valid, ", ")
	}
	return fmt.Sprintf("%s 不允许从 %s 迁移到 %s (valid: %s)", e.Entity, e.Current, e.Target, valid)
}

type Project struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title          string    `json:"title"`
	Logline        string    `json:"logline"`
	WorldOutline   string    `gorm:"type:longtext" json:"worldOutline"`
	FullScript     string    `gorm:"type:longtext" json:"fullScript"`
	FinalVideoPath string    `json:"finalVideoPath"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

// CanTransitionTo 查迁移表，不做任何推导
func (p *Project) CanTransitionTo(target string) bool {
	for _, t := range projectTransitions[p.Status] {
		if t == target {
			return true
		}
	}
	return false
}

// IsRollback 目标态是否为需要显式确认的回退迁移
func (p *Project) IsRollback(target string) bool {
	return projectRollbacks[p.Status] == target
}

// AdvanceTo 校验并应用状态迁移，非法迁移返回 IllegalTransitionError
func (p *Project) AdvanceTo(target string) error {
	if !p.CanTransitionTo(target) {
		valid := append([]string(nil), projectTransitions[p.Status]...)
		sort.Strings(valid)
		return &IllegalTransitionError{Entity: "project", Current: p.Status, Target: target, Valid: valid}
	}
	p.Status = target
	return nil
}

// ProjectStatuses 返回全部合法状态值（校验请求参数用）
func ProjectStatuses() []string {
	return []string{
		ProjectStatusDraft,
		ProjectStatusOutlineReview,
		ProjectStatusScriptReview,
		ProjectStatusInProduction,
		ProjectStatusCompleted,
	}
}
