package types

import "time"

// Device is a piece of hardware known by its globally unique hardware ID.
type Device struct {
	HardwareID         string            `json:"hardwareId"`
	SiteToken          string            `json:"siteToken"`
	SpecificationToken string            `json:"specificationToken"`
	ParentHardwareID   string            `json:"parentHardwareId,omitempty"`
	Comments           string            `json:"comments,omitempty"`
	Status             string            `json:"status,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	// AssignmentToken mirrors the device row's current-assignment column.
	AssignmentToken string `json:"assignmentToken,omitempty"`

	Audit
}

// DeviceCreateRequest creates or updates a device.
type DeviceCreateRequest struct {
	HardwareID         string            `json:"hardwareId"`
	SiteToken          string            `json:"siteToken"`
	SpecificationToken string            `json:"specificationToken"`
	ParentHardwareID   string            `json:"parentHardwareId,omitempty"`
	Comments           string            `json:"comments,omitempty"`
	Status             string            `json:"status,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// DeviceSearchCriteria filters device listings.
type DeviceSearchCriteria struct {
	SearchCriteria
	IncludeDeleted     bool
	SiteToken          string
	SpecificationToken string
	ExcludeAssigned    bool
}

// AssignmentStatus is the lifecycle state of a device assignment.
type AssignmentStatus string

const (
	AssignmentActive   AssignmentStatus = "Active"
	AssignmentMissing  AssignmentStatus = "Missing"
	AssignmentReleased AssignmentStatus = "Released"
)

// AssignmentType says whether an assignment is tied to an asset.
type AssignmentType string

const (
	AssignmentUnassociated AssignmentType = "Unassociated"
	AssignmentAssociated   AssignmentType = "Associated"
)

// DeviceAssignment binds a device to a site for a period of time.
type DeviceAssignment struct {
	Token            string                 `json:"token"`
	DeviceHardwareID string                 `json:"deviceHardwareId"`
	SiteToken        string                 `json:"siteToken"`
	AssignmentType   AssignmentType         `json:"assignmentType"`
	AssetModuleID    string                 `json:"assetModuleId,omitempty"`
	AssetID          string                 `json:"assetId,omitempty"`
	Status           AssignmentStatus       `json:"status"`
	ActiveDate       time.Time              `json:"activeDate"`
	ReleasedDate     *time.Time             `json:"releasedDate,omitempty"`
	Metadata         map[string]string      `json:"metadata,omitempty"`
	State            *DeviceAssignmentState `json:"state,omitempty"`
	Audit
}

// AssignmentCreateRequest creates an assignment for a device at the device's site.
type AssignmentCreateRequest struct {
	Token            string            `json:"token,omitempty"`
	DeviceHardwareID string            `json:"deviceHardwareId"`
	AssignmentType   AssignmentType    `json:"assignmentType,omitempty"`
	AssetModuleID    string            `json:"assetModuleId,omitempty"`
	AssetID          string            `json:"assetId,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// AssignmentSearchCriteria filters assignment listings. An empty Status
// matches every status.
type AssignmentSearchCriteria struct {
	SearchCriteria
	IncludeDeleted bool
	Status         AssignmentStatus
}

// MeasurementValue is the most recent value recorded for one measurement name.
type MeasurementValue struct {
	Value     float64   `json:"value"`
	EventDate time.Time `json:"eventDate"`
}

// DeviceAssignmentState is the last known snapshot of an assignment. It is
// stored in its own columns so it can change without rewriting the assignment.
type DeviceAssignmentState struct {
	LastInteractionDate *time.Time                  `json:"lastInteractionDate,omitempty"`
	LastLocation        *Location                   `json:"lastLocation,omitempty"`
	LatestMeasurements  map[string]MeasurementValue `json:"latestMeasurements,omitempty"`
	LatestAlerts        map[string]*Alert           `json:"latestAlerts,omitempty"`
}
