package task

// Stats 聚合了计划内各状态的任务数量，用于进度展示。
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Blocked    int `json:"blocked"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Remaining 返回尚未结束的任务数量。
func (s Stats) Remaining() int {
	return s.Total - s.Completed - s.Failed
}
