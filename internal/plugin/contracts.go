// Package plugin defines the typed contracts the core consumes and a
// slotted registry that owns plugin instances for the process.
//
// Runtimes, agents, workspaces, trackers, SCM providers, notifiers,
// and terminals are all replaceable implementations behind these
// interfaces; the core never imports a concrete plugin.
package plugin

import (
	"context"
	"time"

	"github.com/agentorch/orchestrator/internal/common/config"
)

// RuntimeHandle is the opaque token a runtime returns for a created
// session. Its ID must be unique across the host so a handle can be
// re-attached after a restart.
type RuntimeHandle struct {
	ID          string            `json:"id"`
	RuntimeName string            `json:"runtimeName"`
	Data        map[string]string `json:"data,omitempty"`
}

// SessionSpec carries everything a runtime needs to start a session.
type SessionSpec struct {
	SessionID string
	ProjectID string
	// Name is the host-unique runtime name ("<hash>-<prefix>-<n>" for
	// multiplexer runtimes).
	Name    string
	WorkDir string
	Command string
	Env     map[string]string
}

// Runtime is the execution substrate an agent runs under. All methods
// must be safe for concurrent use; IsAlive must have no side effects.
type Runtime interface {
	Name() string
	Create(ctx context.Context, spec SessionSpec) (*RuntimeHandle, error)
	Destroy(ctx context.Context, handle *RuntimeHandle) error
	SendMessage(ctx context.Context, handle *RuntimeHandle, text string) error
	GetOutput(ctx context.Context, handle *RuntimeHandle, lines int) (string, error)
	IsAlive(ctx context.Context, handle *RuntimeHandle) bool
}

// Attacher is an optional runtime capability for interactive attach.
type Attacher interface {
	Attach(ctx context.Context, handle *RuntimeHandle) error
}

// NameLister is an optional runtime capability that enumerates the
// live session names on the host. The session manager uses it to keep
// numbering unique even across orchestrator restarts.
type NameLister interface {
	ListNames(ctx context.Context) ([]string, error)
}

// Typist is an optional runtime capability for fine-grained message
// delivery. Runtimes that expose it get the full send contract:
// cleared input, paste buffers for long messages, separate Enter.
type Typist interface {
	SendKeys(ctx context.Context, handle *RuntimeHandle, keys string) error
	SendEnter(ctx context.Context, handle *RuntimeHandle) error
	ClearInput(ctx context.Context, handle *RuntimeHandle) error
	PasteText(ctx context.Context, handle *RuntimeHandle, buffer, text string) error
}

// ActivityState is the agent-reported activity bucket.
type ActivityState string

const (
	ActivityActive       ActivityState = "active"
	ActivityReady        ActivityState = "ready"
	ActivityIdle         ActivityState = "idle"
	ActivityWaitingInput ActivityState = "waiting_input"
	ActivityBlocked      ActivityState = "blocked"
	ActivityExited       ActivityState = "exited"
)

// ActivityDetection is one observation of an agent's activity.
type ActivityDetection struct {
	State  ActivityState
	Since  time.Time
	Detail string
}

// SessionView is the read-only slice of session state handed to agent
// plugins for activity detection.
type SessionView struct {
	ID             string
	Status         string
	Output         string // recent captured runtime output
	LastActivityAt time.Time
}

// AgentLaunchSpec parameterizes launch command and environment.
type AgentLaunchSpec struct {
	SessionID   string
	ProjectID   string
	WorkDir     string
	Prompt      string
	AgentConfig map[string]interface{}
}

// Agent adapts one AI coding CLI. The launch command is opaque to the
// core; activity heuristics are the agent's own.
type Agent interface {
	Name() string
	GetLaunchCommand(spec AgentLaunchSpec) string
	GetEnvironment(spec AgentLaunchSpec) map[string]string
	// DetectActivity classifies a raw output capture.
	DetectActivity(capture string) ActivityState
	// GetActivityState inspects a session view; nil when the agent has
	// no opinion. readyThreshold gates the idle -> ready promotion.
	GetActivityState(view SessionView, readyThreshold time.Duration) *ActivityDetection
	IsProcessRunning(ctx context.Context, handle *RuntimeHandle) bool
	GetSessionInfo(ctx context.Context, view SessionView) map[string]string
}

// WorkspaceHooker is an optional agent capability that installs hook
// scripts into a fresh workspace.
type WorkspaceHooker interface {
	SetupWorkspaceHooks(workspacePath string, opts map[string]interface{}) error
}

// WorkspaceSpec carries everything a workspace plugin needs.
type WorkspaceSpec struct {
	SessionID   string
	ProjectID   string
	ProjectPath string
	BaseBranch  string
	Branch      string
	BaseDir     string // per-project worktrees root
	Symlinks    []string
}

// WorkspaceInfo describes a created workspace.
type WorkspaceInfo struct {
	Path   string
	Branch string
}

// Workspace provisions isolated checkouts.
type Workspace interface {
	Name() string
	Create(ctx context.Context, spec WorkspaceSpec) (*WorkspaceInfo, error)
	Destroy(ctx context.Context, path string) error
	List(ctx context.Context, baseDir string) ([]WorkspaceInfo, error)
	Exists(ctx context.Context, path string) bool
	Restore(ctx context.Context, spec WorkspaceSpec, path string) error
}

// PostCreator is an optional workspace capability run after Create.
type PostCreator interface {
	PostCreate(ctx context.Context, info *WorkspaceInfo, project config.ProjectConfig) error
}

// Issue is a tracker work item.
type Issue struct {
	ID     string
	Title  string
	Body   string
	URL    string
	Labels []string
}

// Tracker resolves issues to prompts and branch names.
type Tracker interface {
	Name() string
	GetIssue(ctx context.Context, id string) (*Issue, error)
	IssueURL(id string) string
	BranchName(id string) string
	GeneratePrompt(ctx context.Context, id string, project config.ProjectConfig) (string, error)
}

// PR is the minimum pull-request shape the core consumes.
type PR struct {
	Number  int    `json:"number"`
	Owner   string `json:"owner"`
	Repo    string `json:"repo"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	State   string `json:"state"`
	IsDraft bool   `json:"isDraft"`
}

// CIStatus summarizes a PR's checks.
type CIStatus string

const (
	CINone    CIStatus = "none"
	CIPending CIStatus = "pending"
	CIPassing CIStatus = "passing"
	CIFailing CIStatus = "failing"
)

// CICheck is one CI check run.
type CICheck struct {
	Name       string
	Status     string
	Conclusion string
	URL        string
	Summary    string
}

// CISummary aggregates checks for a PR.
type CISummary struct {
	Status       CIStatus
	Total        int
	Failed       int
	Pending      int
	FailedChecks []CICheck
}

// ReviewDecision is the overall review state of a PR.
type ReviewDecision string

const (
	ReviewNone             ReviewDecision = "none"
	ReviewApproved         ReviewDecision = "approved"
	ReviewChangesRequested ReviewDecision = "changes_requested"
	ReviewRequired         ReviewDecision = "review_required"
)

// Review is one submitted review.
type Review struct {
	Author      string
	State       string
	Body        string
	SubmittedAt time.Time
}

// Comment is an unresolved review or bot comment.
type Comment struct {
	Author    string
	Body      string
	Path      string
	Severity  string // set for automated findings
	CreatedAt time.Time
}

// Mergeability is the merge-conflict state of a PR.
type Mergeability string

const (
	MergeUnknown     Mergeability = "unknown"
	MergeClean       Mergeability = "mergeable"
	MergeConflicting Mergeability = "conflicting"
)

// SCM is the source-control provider contract.
type SCM interface {
	Name() string
	DetectPR(ctx context.Context, branch string, project config.ProjectConfig) (*PR, error)
	GetCIChecks(ctx context.Context, pr *PR) ([]CICheck, error)
	GetCISummary(ctx context.Context, pr *PR) (*CISummary, error)
	GetReviews(ctx context.Context, pr *PR) ([]Review, error)
	GetReviewDecision(ctx context.Context, pr *PR) (ReviewDecision, error)
	GetPendingComments(ctx context.Context, pr *PR) ([]Comment, error)
	GetAutomatedComments(ctx context.Context, pr *PR) ([]Comment, error)
	GetMergeability(ctx context.Context, pr *PR) (Mergeability, error)
	MergePR(ctx context.Context, pr *PR, method string) error
}

// Event is a notification payload.
type Event struct {
	Type      string
	SessionID string
	ProjectID string
	Title     string
	Body      string
	Priority  string // urgent, action, warning, info
	Timestamp time.Time
}

// Action is an optional notification action button.
type Action struct {
	Label   string
	Command string
}

// Notifier delivers events to a human.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// ActionNotifier is an optional notifier capability.
type ActionNotifier interface {
	NotifyWithActions(ctx context.Context, event Event, actions []Action) error
}

// Terminal opens an interactive view onto a runtime handle.
type Terminal interface {
	Name() string
	Open(ctx context.Context, handle *RuntimeHandle) error
}
