package domain

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// OfficeTrackerID 站点办公室标记的固定 ID（地图上显示，但不可选择）
const OfficeTrackerID = "OFFICE"

// TrackerUnit 太阳能跟踪支架单元（地图上的最小维护单位）
type TrackerUnit struct {
	TrackerID string `json:"id" yaml:"id"`
	Row       int    `json:"row" yaml:"row"`
	Col       int    `json:"col" yaml:"col"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
	IsOffice  bool   `json:"is_office,omitempty" yaml:"is_office,omitempty"`

	// 派生字段，由 CabinetRule 计算，不持久化
	Cabinet string `json:"cabinet,omitempty" yaml:"-"`
}

// Selectable 办公室标记不可被选择
func (t TrackerUnit) Selectable() bool {
	return !t.IsOffice && t.TrackerID != OfficeTrackerID
}

// NewOfficeMarker 生成站点办公室标记
func NewOfficeMarker(row, col int) TrackerUnit {
	return TrackerUnit{TrackerID: OfficeTrackerID, Row: row, Col: col, Label: "Site Office", IsOffice: true}
}

// CabinetRule tracker -> cabinet 的分桶规则
// 每 GroupSize 个连续编号共用一个 cabinet；当 TrackerCount 不能整除时，
// 最后不足一组的编号并入前一个 cabinet。
type CabinetRule struct {
	GroupSize    int
	TrackerCount int
	Prefix       string
}

// DefaultCabinetRule 与现场布局一致的默认规则
func DefaultCabinetRule() CabinetRule {
	return CabinetRule{GroupSize: 4, TrackerCount: 99, Prefix: "C"}
}

// CabinetFor 根据 tracker ID 的数字后缀计算 cabinet 编码，格式错误返回 ""
func (r CabinetRule) CabinetFor(trackerID string) string {
	n, ok := TrackerNumber(trackerID)
	if !ok || n < 1 || r.GroupSize <= 0 {
		return ""
	}
	if r.TrackerCount > 0 && n > r.TrackerCount {
		return ""
	}

	bucket := (n-1)/r.GroupSize + 1
	if r.TrackerCount > 0 && r.TrackerCount%r.GroupSize != 0 {
		// overflow bucket：最后一个不完整分组并入前一组
		fullBuckets := r.TrackerCount / r.GroupSize
		if fullBuckets > 0 && bucket > fullBuckets {
			bucket = fullBuckets
		}
	}
	return fmt.Sprintf("%s%02d", r.Prefix, bucket)
}

// Apply 为布局中的每个 tracker 填充 Cabinet 字段
func (r CabinetRule) Apply(trackers []TrackerUnit) []TrackerUnit {
	out := make([]TrackerUnit, len(trackers))
	for i, t := range trackers {
		if t.Selectable() {
			t.Cabinet = r.CabinetFor(t.TrackerID)
		}
		out[i] = t
	}
	return out
}

// TrackerNumber 解析 "M07" 这类 ID：字母前缀 + 数字后缀
func TrackerNumber(trackerID string) (int, bool) {
	id := strings.TrimSpace(trackerID)
	i := 0
	for i < len(id) && unicode.IsLetter(rune(id[i])) {
		i++
	}
	if i == 0 || i == len(id) {
		return 0, false
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
