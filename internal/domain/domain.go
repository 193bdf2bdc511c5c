package domain

// Classification orders sensitivity: PUBLIC < PRIVATE < RESTRICTED.
type Classification string

const (
	ClassificationPublic     Classification = "PUBLIC"
	ClassificationPrivate    Classification = "PRIVATE"
	ClassificationRestricted Classification = "RESTRICTED"
)

var classificationRank = map[Classification]int{
	ClassificationPublic:     0,
	ClassificationPrivate:    1,
	ClassificationRestricted: 2,
}

// Rank returns the ordering of a classification; unknown values rank lowest.
func (c Classification) Rank() int {
	if r, ok := classificationRank[c]; ok {
		return r
	}
	return -1
}

// Covers reports whether a grant at level c may see a task at level other.
func (c Classification) Covers(other Classification) bool {
	return c.Rank() >= other.Rank()
}

type GrantType string

const (
	GrantStandard   GrantType = "STANDARD"
	GrantSpecific   GrantType = "SPECIFIC"
	GrantChallenged GrantType = "CHALLENGED"
	GrantExcluded   GrantType = "EXCLUDED"
)

type RoleType string

const (
	RoleTypeCase         RoleType = "CASE"
	RoleTypeOrganisation RoleType = "ORGANISATION"
)

type TaskState string

const (
	StateUnconfigured TaskState = "UNCONFIGURED"
	StateConfigured   TaskState = "CONFIGURED" // transient marker, only mid-initiation
	StateUnassigned   TaskState = "UNASSIGNED"
	StateAssigned     TaskState = "ASSIGNED"
	StateCompleted    TaskState = "COMPLETED"
	StateCancelled    TaskState = "CANCELLED"
	StateTerminated   TaskState = "TERMINATED"
)

// Terminal reports whether no lifecycle operation may move the task further.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateTerminated
}

// RoleAssignmentAttributes scope a grant. For STANDARD grants an absent
// attribute is a wildcard.
type RoleAssignmentAttributes struct {
	Jurisdiction    string `json:"jurisdiction,omitempty"`
	CaseType        string `json:"caseType,omitempty"`
	CaseID          string `json:"caseId,omitempty"`
	Region          string `json:"region,omitempty"`
	PrimaryLocation string `json:"primaryLocation,omitempty"`
	BaseLocation    string `json:"baseLocation,omitempty"`
}

// RoleAssignment is an actor's grant, supplied by the external
// role-assignment service and read-only to this core.
type RoleAssignment struct {
	ID             string                   `json:"id"`
	ActorID        string                   `json:"actorId"`
	RoleName       string                   `json:"roleName"`
	RoleType       RoleType                 `json:"roleType" enum:"CASE,ORGANISATION"`
	GrantType      GrantType                `json:"grantType" enum:"STANDARD,SPECIFIC,CHALLENGED,EXCLUDED"`
	Classification Classification           `json:"classification" enum:"PUBLIC,PRIVATE,RESTRICTED"`
	RoleCategory   string                   `json:"roleCategory,omitempty"`
	Attributes     RoleAssignmentAttributes `json:"attributes"`
	Authorisations []string                 `json:"authorisations,omitempty"`
	BeginTime      string                   `json:"beginTime,omitempty" format:"date-time"`
	EndTime        string                   `json:"endTime,omitempty" format:"date-time"`
}

// PermissionSet is the aggregated action capabilities an actor holds on one
// task.
type PermissionSet struct {
	Read     bool `json:"read"`
	Own      bool `json:"own"`
	Manage   bool `json:"manage"`
	Execute  bool `json:"execute"`
	Cancel   bool `json:"cancel"`
	Refer    bool `json:"refer"`
	Complete bool `json:"complete"`
	Assign   bool `json:"assign"`
	Unassign bool `json:"unassign"`
}

// Union folds other into p.
func (p *PermissionSet) Union(other PermissionSet) {
	p.Read = p.Read || other.Read
	p.Own = p.Own || other.Own
	p.Manage = p.Manage || other.Manage
	p.Execute = p.Execute || other.Execute
	p.Cancel = p.Cancel || other.Cancel
	p.Refer = p.Refer || other.Refer
	p.Complete = p.Complete || other.Complete
	p.Assign = p.Assign || other.Assign
	p.Unassign = p.Unassign || other.Unassign
}

// Empty reports whether no capability is granted.
func (p PermissionSet) Empty() bool {
	return p == PermissionSet{}
}

// TaskRoleResource is the permission seed attached to a task for one role
// name. The set is created wholesale at initiation from the rules service,
// replaced wholesale by reconfiguration, and never partially mutated.
type TaskRoleResource struct {
	TaskID                 string        `json:"task_id"`
	RoleName               string        `json:"role_name"`
	RoleCategory           string        `json:"role_category,omitempty"`
	Permissions            PermissionSet `json:"permissions"`
	RequiredAuthorisations []string      `json:"required_authorisations,omitempty"`
	AutoAssignable         bool          `json:"auto_assignable"`
	AssignmentPriority     int           `json:"assignment_priority"`
}

// RoleResult is one matched role for an actor on a task, as surfaced by the
// roles-listing endpoint.
type RoleResult struct {
	RoleName       string        `json:"role_name"`
	RoleCategory   string        `json:"role_category,omitempty"`
	Permissions    PermissionSet `json:"permissions"`
	Authorisations []string      `json:"authorisations,omitempty"`
}

type Task struct {
	ID                     string         `json:"id"`
	Type                   string         `json:"type"`
	Name                   string         `json:"name"`
	Title                  string         `json:"title,omitempty"`
	State                  TaskState      `json:"state" enum:"UNCONFIGURED,CONFIGURED,UNASSIGNED,ASSIGNED,COMPLETED,CANCELLED,TERMINATED"`
	Assignee               *string        `json:"assignee,omitempty"`
	Classification         Classification `json:"classification" enum:"PUBLIC,PRIVATE,RESTRICTED"`
	Jurisdiction           string         `json:"jurisdiction"`
	CaseID                 string         `json:"case_id"`
	CaseTypeID             string         `json:"case_type_id"`
	CaseName               string         `json:"case_name,omitempty"`
	CaseCategory           string         `json:"case_category,omitempty"`
	Location               string         `json:"location,omitempty"`
	Region                 string         `json:"region,omitempty"`
	WorkType               string         `json:"work_type,omitempty"`
	CreatedDate            string         `json:"created_date" format:"date-time"`
	DueDate                string         `json:"due_date" format:"date-time"`
	ReconfigureRequestTime *string        `json:"reconfigure_request_time,omitempty" format:"date-time"`
	LastUpdatedAction      string         `json:"last_updated_action,omitempty"`
	LastUpdatedTimestamp   string         `json:"last_updated_timestamp,omitempty" format:"date-time"`
	LastUpdatedUser        string         `json:"last_updated_user,omitempty"`
	Version                int64          `json:"version"`
}

// AnnotatedTask is a task plus the permissions the requesting actor holds on
// it, as returned by search and single-task fetch.
type AnnotatedTask struct {
	Task        Task          `json:"task"`
	Permissions PermissionSet `json:"permissions"`
	RoleNames   []string      `json:"role_names,omitempty"`
}

// CaseDetails is what the external case-data service returns for a case id.
type CaseDetails struct {
	CaseID         string         `json:"case_id"`
	Jurisdiction   string         `json:"jurisdiction"`
	CaseTypeID     string         `json:"case_type_id"`
	CaseName       string         `json:"case_name"`
	CaseCategory   string         `json:"case_category,omitempty"`
	Classification Classification `json:"classification"`
}

// TaskEvent is one audit row written inside a lifecycle transaction.
type TaskEvent struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	CaseID  string `json:"case_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
