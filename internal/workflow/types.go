package workflow

import (
	"time"

	"github.com/basket/go-foreman/internal/supervisor"
)

// TaskType classifies a workflow task and drives creation-time defaults.
type TaskType string

const (
	TypeFeature   TaskType = "feature"
	TypeBugfix    TaskType = "bugfix"
	TypeIteration TaskType = "iteration"
	TypeHotfix    TaskType = "hotfix"
	TypeChore     TaskType = "chore"
)

// taskTypeDefaults maps a task type to its creation-time flag defaults.
// Applied only at creation; both flags are overridable.
var taskTypeDefaults = map[TaskType]struct {
	Branching bool
	Review    bool
}{
	TypeFeature:   {Branching: true, Review: true},
	TypeBugfix:    {Branching: true, Review: false},
	TypeIteration: {Branching: false, Review: true},
	TypeHotfix:    {Branching: false, Review: false},
	TypeChore:     {Branching: true, Review: false},
}

// Project is a row in the projects table.
type Project struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	WorkspacePath   string       `json:"workspace_path,omitempty"`
	RemoteURL       string       `json:"remote_url,omitempty"`
	TelegramTopicID *int64       `json:"telegram_topic_id,omitempty"`
	HasBuildStep    bool         `json:"has_build_step"`
	HasDeployStep   bool         `json:"has_deploy_step"`
	State           ProjectState `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Task is a row in the project_tasks table.
type Task struct {
	ID                  int64      `json:"id"`
	ProjectID           string     `json:"project_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	TaskType            TaskType   `json:"task_type"`
	Status              TaskStatus `json:"status"`
	StatusBeforeBlocked TaskStatus `json:"status_before_blocked,omitempty"`
	RequiresBranching   bool       `json:"requires_branching"`
	RequiresHumanReview bool       `json:"requires_human_review"`
	Priority            int64      `json:"priority"`
	Phase               string     `json:"phase,omitempty"`
	AssignedModel       string     `json:"assigned_model,omitempty"`
	GitBranch           string     `json:"git_branch,omitempty"`
	WorktreePath        string     `json:"worktree_path,omitempty"`
	DevServerURL        string     `json:"dev_server_url,omitempty"`
	ReviewNotes         string     `json:"review_notes,omitempty"`
	ReviewFeedback      string     `json:"review_feedback,omitempty"`
	BlockReason         string     `json:"block_reason,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Link is a row in the project_links table.
type Link struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	Label     string    `json:"label"`
	URL       string    `json:"url"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// Command is a row in the project_commands table.
type Command struct {
	ID           int64      `json:"id"`
	ProjectID    string     `json:"project_id"`
	Label        string     `json:"label"`
	Command      string     `json:"command"`
	Description  string     `json:"description,omitempty"`
	Category     string     `json:"category"`
	RunMode      string     `json:"run_mode"`
	TaskRunnerID string     `json:"task_runner_id,omitempty"`
	Locked       bool       `json:"locked"`
	LockedBy     string     `json:"locked_by,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Dependency is a row in the project_task_dependencies table.
type Dependency struct {
	TaskID      int64     `json:"task_id"`
	DependsOnID int64     `json:"depends_on_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryEntry is a row in the task_status_history table.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Attempt is a row in the task_attempts table.
type Attempt struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	SessionKey string    `json:"session_key,omitempty"`
	Model      string    `json:"model,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemoryNote is a row in the project_memory table.
type MemoryNote struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectContext is the project_get bundle.
type ProjectContext struct {
	Project          *Project                 `json:"project"`
	Links            []Link                   `json:"links"`
	Commands         []Command                `json:"commands"`
	Tasks            []Task                   `json:"tasks"`
	TaskDependencies []Dependency             `json:"task_dependencies"`
	RecentMemory     []MemoryNote             `json:"recent_memory"`
	RunningProcesses []*supervisor.TaskRecord `json:"running_processes"`
}

// TaskDetail is the task_get bundle.
type TaskDetail struct {
	Task          *Task          `json:"task"`
	Dependencies  []Task         `json:"dependencies"`
	Attempts      []Attempt      `json:"attempts"`
	StatusHistory []HistoryEntry `json:"status_history"`
}

// CmdRunResult is the outcome of cmd_run in either mode.
type CmdRunResult struct {
	Mode   string                 `json:"mode"`
	Stdout string                 `json:"stdout,omitempty"`
	Stderr string                 `json:"stderr,omitempty"`
	Task   *supervisor.TaskRecord `json:"task,omitempty"`
}
