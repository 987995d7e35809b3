package models

import "time"

// TaskQueue selects which worker pool runs a task.
type TaskQueue string

const (
	QueueDownload   TaskQueue = "download"
	QueueManagement TaskQueue = "management"
	QueueFallback   TaskQueue = "fallback"
)

// TaskStatus is the lifecycle state persisted in task_history.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskHistory is the durable record of one background task.
type TaskHistory struct {
	TaskID          string     `json:"taskId"`
	Title           string     `json:"title"`
	UniqueKey       string     `json:"uniqueKey,omitempty"`
	Status          TaskStatus `json:"status"`
	Progress        int        `json:"progress"`
	Description     string     `json:"description"`
	Queue           TaskQueue  `json:"queueType"`
	TaskType        string     `json:"taskType,omitempty"`
	ScheduledTaskID string     `json:"scheduledTaskId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}

// ScheduledTask is a cron entry that produces task-manager jobs.
type ScheduledTask struct {
	TaskID    string     `json:"taskId"`
	Name      string     `json:"name"`
	JobType   string     `json:"jobType"`
	CronExpr  string     `json:"cronExpression"`
	IsEnabled bool       `json:"isEnabled"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
}

// RateLimitState is one persisted limiter bucket.
type RateLimitState struct {
	ProviderName string    `json:"providerName"`
	RequestCount int       `json:"requestCount"`
	LastResetAt  time.Time `json:"lastResetTime"`
}

// ApiToken authorizes a media player against the compat surface.
type ApiToken struct {
	ID             int64      `json:"id"`
	Token          string     `json:"token"`
	Name           string     `json:"name"`
	IsEnabled      bool       `json:"isEnabled"`
	DailyCallLimit int        `json:"dailyCallLimit"` // -1 = unlimited
	CallCount      int        `json:"callCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the token's validity period has lapsed.
func (t ApiToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// AccessLogEntry records one compat API request for auditing.
type AccessLogEntry struct {
	Token     string    `json:"token"`
	ClientIP  string    `json:"clientIp"`
	UserAgent string    `json:"userAgent"`
	Path      string    `json:"path"`
	Status    string    `json:"status"` // allowed | denied_*
	CreatedAt time.Time `json:"createdAt"`
}
