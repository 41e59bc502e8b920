package task

// JobStats 聚合作业状态的统计信息，供健康检查使用。
type JobStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *JobStats) add(job *Job) {
	s.Total++
	switch job.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if job.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = job.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (job.UpdatedAt != 0 && job.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = job.UpdatedAt
	}
}
