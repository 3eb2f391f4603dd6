package outcome

import (
	"fmt"
	"sort"
)

// Finding is one retrospective observation over a group of tasks.
type Finding struct {
	Pattern        string   `json:"pattern"`
	Severity       string   `json:"severity"` // info, warning, critical
	TaskIDs        []string `json:"taskIds"`
	Detail         string   `json:"detail"`
	Recommendation string   `json:"recommendation"`
}

// GenerateRetrospective groups the summary's tasks into recurring
// delivery patterns worth a human look.
func GenerateRetrospective(s *Summary) []Finding {
	var findings []Finding

	var churn, reopened, slow, incomplete []string
	var churnRetries int
	for _, t := range s.Tasks {
		if t.Retries >= 2 {
			churn = append(churn, t.TaskID)
			churnRetries += t.Retries
		}
		if t.ReopenCount > 0 {
			reopened = append(reopened, t.TaskID)
		}
		if t.CompletedAt == nil {
			incomplete = append(incomplete, t.TaskID)
		}
	}

	p75 := cycleTimeP75(s.Tasks)
	if p75 > 0 {
		for _, t := range s.Tasks {
			if t.CompletedAt != nil && t.CycleTimeMs > p75 {
				slow = append(slow, t.TaskID)
			}
		}
	}

	if len(churn) > 0 {
		findings = append(findings, Finding{
			Pattern:        "retry_churn",
			Severity:       severityFor(len(churn), len(s.Tasks)),
			TaskIDs:        churn,
			Detail:         fmt.Sprintf("%d tasks needed %d retries in total", len(churn), churnRetries),
			Recommendation: "Inspect the failing checks these tasks hit repeatedly; tighten the task prompts or add the missing context up front.",
		})
	}
	if len(reopened) > 0 {
		findings = append(findings, Finding{
			Pattern:        "reopened_work",
			Severity:       severityFor(len(reopened), len(s.Tasks)),
			TaskIDs:        reopened,
			Detail:         fmt.Sprintf("%d tasks were reopened after reaching a terminal state", len(reopened)),
			Recommendation: "Review acceptance criteria; work marked done was not done.",
		})
	}
	if len(slow) > 0 {
		findings = append(findings, Finding{
			Pattern:        "long_cycle_time",
			Severity:       "info",
			TaskIDs:        slow,
			Detail:         fmt.Sprintf("%d tasks exceeded the p75 cycle time of %dms", len(slow), p75),
			Recommendation: "Consider splitting these tasks or raising their priority earlier.",
		})
	}
	if len(incomplete) > 0 {
		findings = append(findings, Finding{
			Pattern:        "incomplete_work",
			Severity:       "warning",
			TaskIDs:        incomplete,
			Detail:         fmt.Sprintf("%d tasks never reached a terminal state", len(incomplete)),
			Recommendation: "Check for stuck or abandoned sessions holding these tasks.",
		})
	}
	return findings
}

func cycleTimeP75(tasks []TaskSummary) int64 {
	var times []int64
	for _, t := range tasks {
		if t.CompletedAt != nil {
			times = append(times, t.CycleTimeMs)
		}
	}
	if len(times) == 0 {
		return 0
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[(len(times)-1)*3/4]
}

func severityFor(affected, total int) string {
	if total > 0 && affected*2 >= total {
		return "critical"
	}
	return "warning"
}
