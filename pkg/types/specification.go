package types

// ContainerPolicy says whether a device of a specification can host nested devices.
type ContainerPolicy string

const (
	ContainerStandalone ContainerPolicy = "Standalone"
	ContainerComposite  ContainerPolicy = "Composite"
)

// DeviceSpecification describes a model of device and owns its commands.
type DeviceSpecification struct {
	Token           string            `json:"token"`
	Name            string            `json:"name"`
	AssetModuleID   string            `json:"assetModuleId,omitempty"`
	AssetID         string            `json:"assetId,omitempty"`
	ContainerPolicy ContainerPolicy   `json:"containerPolicy"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Audit
}

// SpecificationCreateRequest creates or updates a specification.
type SpecificationCreateRequest struct {
	Token           string            `json:"token,omitempty"`
	Name            string            `json:"name"`
	AssetModuleID   string            `json:"assetModuleId,omitempty"`
	AssetID         string            `json:"assetId,omitempty"`
	ContainerPolicy ContainerPolicy   `json:"containerPolicy,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ParameterType is the wire type of a command parameter.
type ParameterType string

const (
	ParameterString ParameterType = "String"
	ParameterInt64  ParameterType = "Int64"
	ParameterDouble ParameterType = "Double"
	ParameterBool   ParameterType = "Bool"
	ParameterBytes  ParameterType = "Bytes"
)

// CommandParameter is one argument of a device command.
type CommandParameter struct {
	Name     string        `json:"name"`
	Type     ParameterType `json:"type"`
	Required bool          `json:"required"`
}

// DeviceCommand is an operation devices of a specification accept.
type DeviceCommand struct {
	Token              string             `json:"token"`
	SpecificationToken string             `json:"specificationToken"`
	Namespace          string             `json:"namespace"`
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	Parameters         []CommandParameter `json:"parameters,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
	Audit
}

// CommandCreateRequest creates or updates a command.
type CommandCreateRequest struct {
	Token       string             `json:"token,omitempty"`
	Namespace   string             `json:"namespace"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  []CommandParameter `json:"parameters,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}
