package workflow

// ProjectState is a project's lifecycle state.
type ProjectState string

const (
	ProjectPlanning ProjectState = "planning"
	ProjectActive   ProjectState = "active"
	ProjectPaused   ProjectState = "paused"
	ProjectComplete ProjectState = "complete"
	ProjectArchived ProjectState = "archived"
)

// projectTransitions is the project state machine.
var projectTransitions = map[ProjectState][]ProjectState{
	ProjectPlanning: {ProjectActive},
	ProjectActive:   {ProjectPaused, ProjectComplete},
	ProjectPaused:   {ProjectActive, ProjectArchived},
	ProjectComplete: {ProjectArchived},
	ProjectArchived: {ProjectActive},
}

func validProjectTransition(from, to ProjectState) bool {
	for _, allowed := range projectTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TaskStatus is a workflow task's lifecycle status.
type TaskStatus string

const (
	StatusRequirements     TaskStatus = "requirements"
	StatusImplementing     TaskStatus = "implementing"
	StatusReviewRequested  TaskStatus = "review_requested"
	StatusChangesRequested TaskStatus = "changes_requested"
	StatusApproved         TaskStatus = "approved"
	StatusMerging          TaskStatus = "merging"
	StatusMergeConflict    TaskStatus = "merge_conflict"
	StatusBuilding         TaskStatus = "building"
	StatusDeploying        TaskStatus = "deploying"
	StatusDone             TaskStatus = "done"
	StatusBlocked          TaskStatus = "blocked"
	StatusCancelled        TaskStatus = "cancelled"
)

// Terminal reports whether a task status is an end state.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// blockableStatuses are the statuses a task can be blocked from (and the only
// legal values of status_before_blocked).
var blockableStatuses = []TaskStatus{
	StatusRequirements,
	StatusImplementing,
	StatusReviewRequested,
	StatusChangesRequested,
	StatusApproved,
	StatusMerging,
	StatusMergeConflict,
	StatusBuilding,
	StatusDeploying,
}

// allStatuses, in declaration order.
var allStatuses = []TaskStatus{
	StatusRequirements,
	StatusImplementing,
	StatusReviewRequested,
	StatusChangesRequested,
	StatusApproved,
	StatusMerging,
	StatusMergeConflict,
	StatusBuilding,
	StatusDeploying,
	StatusDone,
	StatusBlocked,
	StatusCancelled,
}

// nextEligibleStatuses are the statuses task_next considers workable.
var nextEligibleStatuses = []TaskStatus{
	StatusRequirements,
	StatusImplementing,
	StatusChangesRequested,
	StatusReviewRequested,
	StatusApproved,
	StatusMergeConflict,
}

// allowedFrom is the single declarative source of per-operation from-sets.
// Both the transition validator and the conditional-update builder consume
// it; keeping it in one table is what makes the two agree.
var allowedFrom = map[string][]TaskStatus{
	"start":            {StatusRequirements, StatusChangesRequested},
	"request_review":   {StatusImplementing, StatusChangesRequested},
	"approve":          {StatusReviewRequested},
	"approve_auto":     {StatusReviewRequested, StatusImplementing, StatusChangesRequested},
	"request_changes":  {StatusReviewRequested},
	"merge":            {StatusApproved, StatusMergeConflict},
	"merge_direct":     {StatusApproved, StatusImplementing},
	"resolve_conflict": {StatusMergeConflict},
	"build":            {StatusBuilding, StatusMerging, StatusApproved},
	"deploy":           {StatusDeploying, StatusBuilding, StatusMerging, StatusApproved},
	"complete": {
		StatusRequirements, StatusImplementing, StatusReviewRequested,
		StatusChangesRequested, StatusApproved, StatusMerging,
		StatusMergeConflict, StatusBuilding, StatusDeploying, StatusBlocked,
	},
	"cancel":  allStatuses,
	"block":   blockableStatuses,
	"unblock": {StatusBlocked},
}

func statusStrings(statuses []TaskStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
