// Package outcome records session status transitions per project and
// derives delivery metrics and retrospectives from them.
package outcome

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

// Transition is one recorded status change.
type Transition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	SessionID string    `json:"sessionId"`
	TaskID    string    `json:"taskId"`
	PlanID    string    `json:"planId"`
	IssueID   string    `json:"issueId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var terminalStatuses = map[string]bool{
	"merged": true, "cleanup": true, "done": true,
	"terminated": true, "killed": true, "errored": true,
}

var failureStatuses = map[string]bool{
	"ci_failed": true, "changes_requested": true, "stuck": true, "errored": true,
}

// Recorder appends transitions to a project's outcome log.
type Recorder struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewRecorder creates a recorder for one project's metrics file.
func NewRecorder(metricsFile string) *Recorder {
	return &Recorder{path: metricsFile, now: time.Now}
}

// Record appends one transition. Missing taskId falls back to issueId,
// then sessionId; missing planId falls back to "default".
func (r *Recorder) Record(t Transition) error {
	if t.SessionID == "" {
		return apperrors.InvalidInput("transition requires a sessionId")
	}
	if t.TaskID == "" {
		t.TaskID = t.IssueID
	}
	if t.TaskID == "" {
		t.TaskID = t.SessionID
	}
	if t.PlanID == "" {
		t.PlanID = "default"
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = r.now().UTC()
	}

	line, err := json.Marshal(t)
	if err != nil {
		return apperrors.IOFailure("marshal transition", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return apperrors.IOFailure("create metrics dir", err)
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.IOFailure("open metrics file", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return apperrors.IOFailure("append transition", err)
	}
	return nil
}

// Query filters a summary scan.
type Query struct {
	ProjectID string
	PlanID    string
	TaskID    string
	Since     time.Time
	Until     time.Time
}

// TaskSummary is the per-task derivation.
type TaskSummary struct {
	TaskID           string     `json:"taskId"`
	PlanID           string     `json:"planId"`
	Transitions      int        `json:"transitions"`
	Retries          int        `json:"retries"`
	ReopenCount      int        `json:"reopenCount"`
	FailureSignals   int        `json:"failureSignals"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CycleTimeMs      int64      `json:"cycleTimeMs"`
	FirstPassSuccess bool       `json:"firstPassSuccess"`
}

// PlanSummary is the per-plan derivation.
type PlanSummary struct {
	PlanID             string  `json:"planId"`
	TaskCount          int     `json:"taskCount"`
	FirstPassRate      float64 `json:"firstPassRate"`
	AverageRetries     float64 `json:"averageRetries"`
	AverageCycleTimeMs float64 `json:"averageCycleTimeMs"`
	ReopenRate         float64 `json:"reopenRate"`
}

// Summary is the full derivation over matching records.
type Summary struct {
	Tasks []TaskSummary `json:"tasks"`
	Plans []PlanSummary `json:"plans"`
}

// ReadLog parses one outcome log leniently, skipping malformed lines
// and tolerating a truncated final line.
func ReadLog(path string) ([]Transition, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.IOFailure("open metrics file", err)
	}
	defer f.Close()

	var out []Transition
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var t Transition
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			continue
		}
		if t.SessionID == "" && t.TaskID == "" {
			continue
		}
		out = append(out, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.IOFailure("scan metrics file", err)
	}
	return out, nil
}

// GetSummary scans the given logs and derives per-task and per-plan
// metrics for records matching the query.
func GetSummary(paths []string, q Query) (*Summary, error) {
	var all []Transition
	for _, path := range paths {
		records, err := ReadLog(path)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}

	filtered := all[:0]
	for _, t := range all {
		if q.ProjectID != "" && t.ProjectID != q.ProjectID {
			continue
		}
		if q.PlanID != "" && t.PlanID != q.PlanID {
			continue
		}
		if q.TaskID != "" && t.TaskID != q.TaskID {
			continue
		}
		if !q.Since.IsZero() && t.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && t.Timestamp.After(q.Until) {
			continue
		}
		filtered = append(filtered, t)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if !filtered[i].Timestamp.Equal(filtered[j].Timestamp) {
			return filtered[i].Timestamp.Before(filtered[j].Timestamp)
		}
		if filtered[i].TaskID != filtered[j].TaskID {
			return filtered[i].TaskID < filtered[j].TaskID
		}
		return filtered[i].SessionID < filtered[j].SessionID
	})

	byTask := make(map[string][]Transition)
	var taskOrder []string
	for _, t := range filtered {
		key := t.PlanID + "\x00" + t.TaskID
		if _, ok := byTask[key]; !ok {
			taskOrder = append(taskOrder, key)
		}
		byTask[key] = append(byTask[key], t)
	}

	summary := &Summary{}
	planTasks := make(map[string][]TaskSummary)
	var planOrder []string
	for _, key := range taskOrder {
		records := byTask[key]
		task := deriveTask(records)
		summary.Tasks = append(summary.Tasks, task)
		if _, ok := planTasks[task.PlanID]; !ok {
			planOrder = append(planOrder, task.PlanID)
		}
		planTasks[task.PlanID] = append(planTasks[task.PlanID], task)
	}
	for _, planID := range planOrder {
		summary.Plans = append(summary.Plans, derivePlan(planID, planTasks[planID]))
	}
	return summary, nil
}

func deriveTask(records []Transition) TaskSummary {
	task := TaskSummary{
		TaskID:      records[0].TaskID,
		PlanID:      records[0].PlanID,
		Transitions: len(records),
	}
	start := records[0].Timestamp
	task.StartedAt = &start

	for _, t := range records {
		if failureStatuses[t.From] && !failureStatuses[t.To] {
			task.Retries++
		}
		if terminalStatuses[t.From] && !terminalStatuses[t.To] {
			task.ReopenCount++
		}
		if failureStatuses[t.To] {
			task.FailureSignals++
		}
		if terminalStatuses[t.To] && task.CompletedAt == nil {
			done := t.Timestamp
			task.CompletedAt = &done
		}
	}
	if task.CompletedAt != nil {
		task.CycleTimeMs = task.CompletedAt.Sub(*task.StartedAt).Milliseconds()
		task.FirstPassSuccess = task.Retries == 0 && task.ReopenCount == 0 && task.FailureSignals == 0
	}
	return task
}

func derivePlan(planID string, tasks []TaskSummary) PlanSummary {
	plan := PlanSummary{PlanID: planID, TaskCount: len(tasks)}
	if len(tasks) == 0 {
		return plan
	}
	var firstPass, reopened, completed int
	var retries, cycle float64
	for _, t := range tasks {
		retries += float64(t.Retries)
		if t.FirstPassSuccess {
			firstPass++
		}
		if t.ReopenCount > 0 {
			reopened++
		}
		if t.CompletedAt != nil {
			completed++
			cycle += float64(t.CycleTimeMs)
		}
	}
	n := float64(len(tasks))
	plan.FirstPassRate = float64(firstPass) / n
	plan.AverageRetries = retries / n
	plan.ReopenRate = float64(reopened) / n
	if completed > 0 {
		plan.AverageCycleTimeMs = cycle / float64(completed)
	}
	return plan
}
