package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	dserrors "github.com/arkilian/devicestore/internal/errors"
	"github.com/arkilian/devicestore/internal/keys"
	"github.com/arkilian/devicestore/internal/wide"
	"github.com/arkilian/devicestore/pkg/types"
)

func batchKey(id []byte) []byte {
	return keys.Primary(id, keys.BatchRecord)
}

// CreateBatchOperation creates an operation with one unprocessed element per
// hardware ID. Every hardware ID is checked before anything is written.
func (s *Store) CreateBatchOperation(ctx context.Context, req *types.BatchOperationCreateRequest) (*types.BatchOperation, error) {
	if err := requireField("operation type", req.OperationType); err != nil {
		return nil, err
	}
	for _, hw := range req.HardwareIDs {
		if _, err := s.ids.Devices().Require(ctx, hw); err != nil {
			return nil, err
		}
	}

	ops := s.ids.BatchOperations()
	token, id, err := allocate(ctx, ops, req.Token)
	if err != nil {
		return nil, err
	}

	op := &types.BatchOperation{
		Token:            token,
		OperationType:    req.OperationType,
		Parameters:       req.Parameters,
		ProcessingStatus: types.BatchUnprocessed,
		Metadata:         types.MergeMetadata(nil, req.Metadata),
		Audit:            types.Audit{CreatedDate: s.now(), CreatedBy: s.actor},
	}
	key := batchKey(id)
	if err := s.putRecord(ctx, keys.TableBatch, "", "", key, nil, op); err != nil {
		s.release(ctx, ops, token)
		return nil, err
	}

	for _, hw := range req.HardwareIDs {
		elemKey, n, err := s.childKey(ctx, keys.TableBatch, key, keys.ElementCounter, keys.BatchElementRecord, false)
		if err != nil {
			return nil, err
		}
		elem := &types.BatchElement{
			BatchOperationToken: token,
			HardwareID:          hw,
			Index:               n,
			ProcessingStatus:    types.ElementUnprocessed,
		}
		if err := s.putRecord(ctx, keys.TableBatch, "", "", elemKey, nil, elem); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// CreateBatchCommandInvocation creates an InvokeCommand operation for one
// command across many devices.
func (s *Store) CreateBatchCommandInvocation(ctx context.Context, req *types.BatchCommandInvocationRequest) (*types.BatchOperation, error) {
	if err := requireField("command token", req.CommandToken); err != nil {
		return nil, err
	}
	if _, _, err := s.requireCommand(ctx, req.CommandToken); err != nil {
		return nil, err
	}

	params := map[string]string{types.BatchParamCommandToken: req.CommandToken}
	for k, v := range req.ParameterValues {
		params[types.BatchParamPrefix+k] = v
	}
	return s.CreateBatchOperation(ctx, &types.BatchOperationCreateRequest{
		Token:         req.Token,
		OperationType: types.OperationInvokeCommand,
		Parameters:    params,
		HardwareIDs:   req.HardwareIDs,
	})
}

// GetBatchOperation returns the operation, or nil when the token is unknown.
func (s *Store) GetBatchOperation(ctx context.Context, token string, includeDeleted bool) (*types.BatchOperation, error) {
	id, err := s.ids.BatchOperations().GetValue(ctx, token)
	if err != nil || id == nil {
		return nil, err
	}
	r, err := s.readRow(ctx, keys.TableBatch, batchKey(id))
	if err != nil {
		return nil, err
	}
	return decodeRecord[types.BatchOperation](s, r, includeDeleted)
}

func (s *Store) requireBatchOperation(ctx context.Context, token string) ([]byte, *types.BatchOperation, error) {
	id, err := s.ids.BatchOperations().Require(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.readRow(ctx, keys.TableBatch, batchKey(id))
	if err != nil {
		return nil, nil, err
	}
	op, err := decodeRecord[types.BatchOperation](s, r, true)
	if err != nil {
		return nil, nil, err
	}
	if op == nil {
		return nil, nil, dserrors.NewReferenceError(dserrors.CodeInvalidBatchOperationToken,
			fmt.Sprintf("batch operation %q has no record", token))
	}
	return id, op, nil
}

// UpdateBatchOperation records processing progress of an operation.
func (s *Store) UpdateBatchOperation(ctx context.Context, token string, req *types.BatchOperationUpdateRequest) (*types.BatchOperation, error) {
	id, op, err := s.requireBatchOperation(ctx, token)
	if err != nil {
		return nil, err
	}

	if req.ProcessingStatus != "" {
		op.ProcessingStatus = req.ProcessingStatus
	}
	if req.ProcessingStartedDate != nil {
		op.ProcessingStartedDate = req.ProcessingStartedDate
	}
	if req.ProcessingEndedDate != nil {
		op.ProcessingEndedDate = req.ProcessingEndedDate
	}
	op.Metadata = types.MergeMetadata(op.Metadata, req.Metadata)
	op.Touch(s.now(), s.actor)

	if err := s.putRecord(ctx, keys.TableBatch, "", "", batchKey(id), nil, op); err != nil {
		return nil, err
	}
	return op, nil
}

// DeleteBatchOperation soft deletes an operation. With force its elements are
// removed first, best effort, then the operation row and token.
func (s *Store) DeleteBatchOperation(ctx context.Context, token string, force bool) (*types.BatchOperation, error) {
	id, op, err := s.requireBatchOperation(ctx, token)
	if err != nil {
		return nil, err
	}
	if force {
		s.cascade(ctx, keys.TableBatch, keys.Subkey(id, keys.BatchElementRecord), keys.SubkeyEnd(id, keys.BatchElementRecord),
			zap.String("batchOperation", token))
	}
	if err := s.deleteRecord(ctx, keys.TableBatch, batchKey(id), force); err != nil {
		return nil, err
	}
	if force {
		if err := s.ids.BatchOperations().Delete(ctx, token); err != nil {
			return nil, err
		}
	}
	op.Deleted = true
	return op, nil
}

// ListBatchOperations pages operations, newest first.
func (s *Store) ListBatchOperations(ctx context.Context, criteria types.ListCriteria) (*types.SearchResults[*types.BatchOperation], error) {
	return scanPage(ctx, s, keys.TableBatch, nil, nil, criteria.SearchCriteria,
		func(r *wide.Row) (*types.BatchOperation, bool, error) {
			if !keys.IsPrimary(r.Key, keys.BatchRecord) {
				return nil, false, nil
			}
			op, err := decodeRecord[types.BatchOperation](s, r, criteria.IncludeDeleted)
			return op, op != nil, err
		})
}

// ListBatchElements pages the elements of an operation in index order,
// optionally only those with a processing status.
func (s *Store) ListBatchElements(ctx context.Context, token string, criteria types.BatchElementSearchCriteria) (*types.SearchResults[*types.BatchElement], error) {
	id, err := s.ids.BatchOperations().Require(ctx, token)
	if err != nil {
		return nil, err
	}
	return scanPage(ctx, s, keys.TableBatch,
		keys.Subkey(id, keys.BatchElementRecord), keys.SubkeyEnd(id, keys.BatchElementRecord),
		criteria.SearchCriteria, func(r *wide.Row) (*types.BatchElement, bool, error) {
			elem, err := decodeRow[types.BatchElement](s, r)
			if err != nil {
				return nil, false, err
			}
			if criteria.ProcessingStatus != "" && elem.ProcessingStatus != criteria.ProcessingStatus {
				return nil, false, nil
			}
			return elem, true, nil
		})
}

// UpdateBatchElement records the outcome for the element at index.
func (s *Store) UpdateBatchElement(ctx context.Context, token string, index int64, req *types.BatchElementUpdateRequest) (*types.BatchElement, error) {
	id, err := s.ids.BatchOperations().Require(ctx, token)
	if err != nil {
		return nil, err
	}
	n, err := keys.Counter(index)
	if err != nil {
		return nil, err
	}
	key := keys.BuildKey(id, keys.BatchElementRecord, n)

	r, err := s.readRow(ctx, keys.TableBatch, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, dserrors.NewReferenceError(dserrors.CodeInvalidBatchElement,
			fmt.Sprintf("batch operation %q has no element %d", token, index))
	}
	elem, err := decodeRow[types.BatchElement](s, r)
	if err != nil {
		return nil, err
	}

	if req.ProcessingStatus != "" {
		elem.ProcessingStatus = req.ProcessingStatus
	}
	if req.ProcessedDate != nil {
		elem.ProcessedDate = req.ProcessedDate
	}
	elem.Metadata = types.MergeMetadata(elem.Metadata, req.Metadata)

	if err := s.putRecord(ctx, keys.TableBatch, "", "", key, nil, elem); err != nil {
		return nil, err
	}
	return elem, nil
}
