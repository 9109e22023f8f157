package authserver

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// WorkflowStage is a step of the curriculum approval chain.
type WorkflowStage string

// Approval chain, in order.
const (
	StageIdeation              WorkflowStage = "ideation"
	StageSchoolBoard           WorkflowStage = "school_board"
	StageDean                  WorkflowStage = "dean"
	StageSenate                WorkflowStage = "senate"
	StageQualityAssurance      WorkflowStage = "quality_assurance"
	StageViceChancellor        WorkflowStage = "vice_chancellor"
	StageExternalAccreditation WorkflowStage = "external_accreditation"
	StageApproved              WorkflowStage = "approved"
)

// Staff roles.
const (
	RoleProposer             = "proposer"
	RoleSchoolBoard          = "school_board"
	RoleDean                 = "dean"
	RoleSenate               = "senate"
	RoleQualityAssurance     = "quality_assurance"
	RoleViceChancellor       = "vice_chancellor"
	RoleAccreditationLiaison = "accreditation_liaison"
	RoleAdministrator        = "administrator"
)

// Permission names served by /auth/roles.
const (
	PermissionView    = "curriculum.view"
	PermissionCreate  = "curriculum.create"
	PermissionSubmit  = "curriculum.submit"
	PermissionApprove = "curriculum.approve"
	PermissionReturn  = "curriculum.return"
	PermissionAdmin   = "curriculum.admin"
)

var stageReviewers = map[WorkflowStage]string{
	StageIdeation:              RoleProposer,
	StageSchoolBoard:           RoleSchoolBoard,
	StageDean:                  RoleDean,
	StageSenate:                RoleSenate,
	StageQualityAssurance:      RoleQualityAssurance,
	StageViceChancellor:        RoleViceChancellor,
	StageExternalAccreditation: RoleAccreditationLiaison,
}

// ReviewerRole returns the role that acts on records at stage.
func ReviewerRole(stage WorkflowStage) (string, bool) {
	role, ok := stageReviewers[stage]
	return role, ok
}

// PermissionsForRoles expands roles into the permission map the console caches.
func PermissionsForRoles(roles []string) map[string]bool {
	permissions := map[string]bool{}
	for _, role := range roles {
		switch role {
		case RoleAdministrator:
			for _, permission := range []string{PermissionView, PermissionCreate, PermissionSubmit, PermissionApprove, PermissionReturn, PermissionAdmin} {
				permissions[permission] = true
			}
		case RoleProposer:
			permissions[PermissionView] = true
			permissions[PermissionCreate] = true
			permissions[PermissionSubmit] = true
		case RoleSchoolBoard, RoleDean, RoleSenate, RoleQualityAssurance, RoleViceChancellor, RoleAccreditationLiaison:
			permissions[PermissionView] = true
			permissions[PermissionApprove] = true
			permissions[PermissionReturn] = true
			permissions["curriculum.stage."+role] = true
		}
	}
	return permissions
}

// CurriculumRecord is a programme proposal moving through the approval chain.
type CurriculumRecord struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Faculty   string        `json:"faculty"`
	Stage     WorkflowStage `json:"stage"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CurriculumCatalog holds read-only sample records served by /api/curricula.
type CurriculumCatalog struct {
	records map[string]CurriculumRecord
}

// NewCurriculumCatalog returns a catalog seeded with one record per stage.
func NewCurriculumCatalog(seededAt time.Time) *CurriculumCatalog {
	seeded := []CurriculumRecord{
		{ID: "cur-101", Title: "BSc Data Science", Faculty: "Computing", Stage: StageIdeation},
		{ID: "cur-102", Title: "BA Digital Humanities", Faculty: "Arts", Stage: StageSchoolBoard},
		{ID: "cur-103", Title: "MSc Public Health", Faculty: "Medicine", Stage: StageDean},
		{ID: "cur-104", Title: "BEng Renewable Energy", Faculty: "Engineering", Stage: StageSenate},
		{ID: "cur-105", Title: "LLM Maritime Law", Faculty: "Law", Stage: StageQualityAssurance},
		{ID: "cur-106", Title: "BSc Nursing", Faculty: "Medicine", Stage: StageViceChancellor},
		{ID: "cur-107", Title: "MBA Executive", Faculty: "Business", Stage: StageExternalAccreditation},
		{ID: "cur-108", Title: "BSc Agricultural Economics", Faculty: "Agriculture", Stage: StageApproved},
	}
	catalog := &CurriculumCatalog{records: make(map[string]CurriculumRecord, len(seeded))}
	for _, record := range seeded {
		record.UpdatedAt = seededAt.UTC()
		catalog.records[record.ID] = record
	}
	return catalog
}

// List returns every record ordered by id.
func (catalog *CurriculumCatalog) List() []CurriculumRecord {
	records := slices.Collect(maps.Values(catalog.records))
	slices.SortFunc(records, func(left, right CurriculumRecord) int {
		return strings.Compare(left.ID, right.ID)
	})
	return records
}

// Get returns the record with id.
func (catalog *CurriculumCatalog) Get(id string) (CurriculumRecord, bool) {
	record, ok := catalog.records[id]
	return record, ok
}
