package domain

import (
	"math"
	"sort"
)

// Progress 周期进度统计
type Progress struct {
	PercentComplete float64 `json:"percent_complete"`
	DoneCount       int     `json:"done_count"`
	HalfwayCount    int     `json:"halfway_count"`
	NotDoneCount    int     `json:"not_done_count"`
	TotalTrackers   int     `json:"total_trackers"`
}

// CabinetProgress 单个 cabinet 的进度
type CabinetProgress struct {
	Cabinet string `json:"cabinet"`
	Progress
}

// ComputeProgress 纯函数：halfway 计半个，办公室标记不计入
func ComputeProgress(cs *CycleState) Progress {
	var p Progress
	if cs == nil {
		return p
	}
	for id, s := range cs.TrackerStates {
		if id == OfficeTrackerID {
			continue
		}
		p.add(s)
	}
	p.finish()
	return p
}

// ComputeCabinetProgress 按 cabinet 分组统计；无法归属 cabinet 的 tracker 被跳过
func ComputeCabinetProgress(cs *CycleState, rule CabinetRule) []CabinetProgress {
	if cs == nil {
		return []CabinetProgress{}
	}
	byCabinet := map[string]*Progress{}
	for id, s := range cs.TrackerStates {
		cab := rule.CabinetFor(id)
		if cab == "" {
			continue
		}
		p, ok := byCabinet[cab]
		if !ok {
			p = &Progress{}
			byCabinet[cab] = p
		}
		p.add(s)
	}

	out := make([]CabinetProgress, 0, len(byCabinet))
	for cab, p := range byCabinet {
		p.finish()
		out = append(out, CabinetProgress{Cabinet: cab, Progress: *p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cabinet < out[j].Cabinet })
	return out
}

func (p *Progress) add(s TrackerState) {
	p.TotalTrackers++
	switch s {
	case TrackerDone:
		p.DoneCount++
	case TrackerHalfway:
		p.HalfwayCount++
	default:
		p.NotDoneCount++
	}
}

func (p *Progress) finish() {
	if p.TotalTrackers == 0 {
		*p = Progress{}
		return
	}
	pct := (float64(p.DoneCount) + 0.5*float64(p.HalfwayCount)) / float64(p.TotalTrackers) * 100
	p.PercentComplete = math.Max(0, math.Min(100, pct))
}
