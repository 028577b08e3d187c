package k2ptypes

import (
	"strconv"
	"time"
)

// Status 任务状态
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// CanTransition 判断状态 from -> to 是否允许；失败或中断的任务可由队列重试再次处理
func CanTransition(from, to Status) bool {
	switch to {
	case StatusProcessing:
		return from == StatusPending || from == StatusProcessing || from == StatusFailed
	case StatusCompleted, StatusFailed:
		return from == StatusProcessing
	}
	return false
}

// 各阶段产物的键名
const (
	ArtifactInput      = "input"
	ArtifactClean      = "clean"
	ArtifactSilhouette = "silhouette"
	ArtifactPreview    = "preview"
	ArtifactMerged     = "merged_stl"
	ArtifactThreeMF    = "threemf"
	ArtifactPackage    = "package"

	ArtifactMask    = "mask"
	ArtifactOutline = "svg"
	ArtifactSTL     = "stl"
)

// SlotArtifact 按调色板槽位区分的产物键，例如 "stl_2"
func SlotArtifact(kind string, slot int) string { return kind + "_" + strconv.Itoa(slot) }

// RemoteArtifact 镜像后的远端地址键
func RemoteArtifact(kind string) string { return kind + "_remote" }

// Job 外部任务存储中的一条记录
type Job struct {
	ID           string
	Status       Status
	Progress     int
	Palette      []string          // 有序 hex 列表
	Artifacts    map[string]string // 阶段 -> 文件路径
	ErrorMessage string
	Params       Params
	InputPath    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}
