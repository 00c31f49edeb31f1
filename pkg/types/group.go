package types

// DeviceGroup is a named, role-tagged collection of devices and nested groups.
type DeviceGroup struct {
	Token       string            `json:"token"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Audit
}

// GroupCreateRequest creates or updates a group.
type GroupCreateRequest struct {
	Token       string            `json:"token,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// GroupSearchCriteria filters group listings.
type GroupSearchCriteria struct {
	SearchCriteria
	IncludeDeleted bool
	Role           string
}

// GroupElementType says what a group element refers to.
type GroupElementType string

const (
	GroupElementDevice GroupElementType = "Device"
	GroupElementGroup  GroupElementType = "Group"
)

// DeviceGroupElement is one member of a group.
type DeviceGroupElement struct {
	GroupToken string           `json:"groupToken"`
	Index      int64            `json:"index"`
	Type       GroupElementType `json:"type"`
	ElementID  string           `json:"elementId"`
	Roles      []string         `json:"roles,omitempty"`
}

// GroupElementCreateRequest adds one member to a group.
type GroupElementCreateRequest struct {
	Type      GroupElementType `json:"type"`
	ElementID string           `json:"elementId"`
	Roles     []string         `json:"roles,omitempty"`
}
