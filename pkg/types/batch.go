package types

import "time"

// OperationType names what a batch operation does to each device.
const OperationInvokeCommand = "InvokeCommand"

// Parameter keys used by command batch operations.
const (
	BatchParamCommandToken = "commandToken"
	BatchParamPrefix       = "param:"
)

// BatchStatus is the processing state of a whole batch operation.
type BatchStatus string

const (
	BatchUnprocessed          BatchStatus = "Unprocessed"
	BatchProcessing           BatchStatus = "Processing"
	BatchFinishedSuccessfully BatchStatus = "FinishedSuccessfully"
	BatchFinishedWithErrors   BatchStatus = "FinishedWithErrors"
)

// ElementStatus is the processing state of one device within a batch.
type ElementStatus string

const (
	ElementUnprocessed ElementStatus = "Unprocessed"
	ElementProcessing  ElementStatus = "Processing"
	ElementFailed      ElementStatus = "Failed"
	ElementSucceeded   ElementStatus = "Succeeded"
)

// BatchOperation applies one operation to many devices.
type BatchOperation struct {
	Token                 string            `json:"token"`
	OperationType         string            `json:"operationType"`
	Parameters            map[string]string `json:"parameters,omitempty"`
	ProcessingStatus      BatchStatus       `json:"processingStatus"`
	ProcessingStartedDate *time.Time        `json:"processingStartedDate,omitempty"`
	ProcessingEndedDate   *time.Time        `json:"processingEndedDate,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	Audit
}

// BatchOperationCreateRequest creates an operation with one element per hardware ID.
type BatchOperationCreateRequest struct {
	Token         string            `json:"token,omitempty"`
	OperationType string            `json:"operationType"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	HardwareIDs   []string          `json:"hardwareIds"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// BatchOperationUpdateRequest changes the processing state of an operation.
type BatchOperationUpdateRequest struct {
	ProcessingStatus      BatchStatus       `json:"processingStatus,omitempty"`
	ProcessingStartedDate *time.Time        `json:"processingStartedDate,omitempty"`
	ProcessingEndedDate   *time.Time        `json:"processingEndedDate,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// BatchCommandInvocationRequest invokes one command on many devices.
type BatchCommandInvocationRequest struct {
	Token           string            `json:"token,omitempty"`
	CommandToken    string            `json:"commandToken"`
	ParameterValues map[string]string `json:"parameterValues,omitempty"`
	HardwareIDs     []string          `json:"hardwareIds"`
}

// BatchElement tracks one device within a batch operation.
type BatchElement struct {
	BatchOperationToken string            `json:"batchOperationToken"`
	HardwareID          string            `json:"hardwareId"`
	Index               int64             `json:"index"`
	ProcessingStatus    ElementStatus     `json:"processingStatus"`
	ProcessedDate       *time.Time        `json:"processedDate,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// BatchElementUpdateRequest records the outcome for one device.
type BatchElementUpdateRequest struct {
	ProcessingStatus ElementStatus     `json:"processingStatus,omitempty"`
	ProcessedDate    *time.Time        `json:"processedDate,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// BatchElementSearchCriteria filters batch element listings.
type BatchElementSearchCriteria struct {
	SearchCriteria
	ProcessingStatus ElementStatus
}
