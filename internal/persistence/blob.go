package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/ledgerwire/flowstate/pkg/api"
)

// checkpointBlob is the wire-stable mirror of api.Checkpoint used by every
// backend's single-blob column (§6 "Checkpoint Codec"). InvocationContext
// and FlowState.Result are opaque `any` values that may not be
// gob-registered concrete types across flow class upgrades, so they are
// pre-encoded with EncodeValue/DecodeValue rather than gob-encoded inline;
// FailureError is reduced to its wire FlowError form since error is an
// interface gob cannot round-trip without a registered concrete type.
// UpdatedAt is not part of the blob.
type checkpointBlob struct {
	FlowId    string
	FlowClass string
	Version   string

	InvocationContext []byte
	OurIdentity       string

	SubFlowStack []api.SubFlowFrame
	Sessions     map[api.SessionId]*api.SessionState

	FlowStateKind         api.FlowStateKind
	SuspendedContinuation []byte
	Result                []byte
	HasFailureError       bool
	FailureError          api.FlowError

	ErrorStateKind     api.ErrorStateKind
	PropagatingErrors  []api.FlowError
	HospitalCount      int
	LastErrorRetryable bool

	NumberOfSuspends    uint64
	ProgressStep        int
	HasSoftLockedStates bool
	SoftLockId          string

	HasPendingIO bool
	PendingIO    api.FlowIORequest
}

// EncodeCheckpoint serializes cp into its durable blob form.
func EncodeCheckpoint(cp *api.Checkpoint) ([]byte, error) {
	invocationContext, err := EncodeValue(cp.InvocationContext)
	if err != nil {
		return nil, err
	}
	result, err := EncodeValue(cp.FlowState.Result)
	if err != nil {
		return nil, err
	}

	blob := checkpointBlob{
		FlowId:                cp.FlowId.String(),
		FlowClass:             cp.FlowClass,
		Version:               cp.Version,
		InvocationContext:     invocationContext,
		OurIdentity:           string(cp.OurIdentity),
		SubFlowStack:          cp.SubFlowStack,
		Sessions:              cp.Sessions,
		FlowStateKind:         cp.FlowState.Kind,
		SuspendedContinuation: cp.FlowState.SuspendedContinuation,
		Result:                result,
		ErrorStateKind:        cp.ErrorState.Kind,
		PropagatingErrors:     cp.ErrorState.PropagatingErrors,
		HospitalCount:         cp.ErrorState.HospitalCount,
		LastErrorRetryable:    cp.ErrorState.LastErrorRetryable,
		NumberOfSuspends:      cp.NumberOfSuspends,
		ProgressStep:          cp.ProgressStep,
		HasSoftLockedStates:   cp.HasSoftLockedStates,
		SoftLockId:            cp.SoftLockId,
		HasPendingIO:          cp.HasPendingIO,
		PendingIO:             cp.PendingIO,
	}
	if cp.FlowState.FailureError != nil {
		blob.HasFailureError = true
		blob.FailureError = api.ToFlowError(cp.FlowState.FailureError)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&blob); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCheckpoint reverses EncodeCheckpoint. The returned Checkpoint's
// UpdatedAt is left zero, since the blob does not carry it.
func DecodeCheckpoint(data []byte) (*api.Checkpoint, error) {
	var blob checkpointBlob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&blob); err != nil {
		return nil, err
	}

	flowId, err := api.ParseFlowId(blob.FlowId)
	if err != nil {
		return nil, err
	}
	invocationContext, err := DecodeValue[any](blob.InvocationContext)
	if err != nil {
		return nil, err
	}
	result, err := DecodeValue[any](blob.Result)
	if err != nil {
		return nil, err
	}

	cp := &api.Checkpoint{
		FlowId:            flowId,
		FlowClass:         blob.FlowClass,
		Version:           blob.Version,
		InvocationContext: invocationContext,
		OurIdentity:        api.Peer(blob.OurIdentity),
		SubFlowStack:       blob.SubFlowStack,
		Sessions:           blob.Sessions,
		FlowState: api.FlowState{
			Kind:                  blob.FlowStateKind,
			SuspendedContinuation: blob.SuspendedContinuation,
			Result:                result,
		},
		ErrorState: api.ErrorState{
			Kind:               blob.ErrorStateKind,
			PropagatingErrors:  blob.PropagatingErrors,
			HospitalCount:      blob.HospitalCount,
			LastErrorRetryable: blob.LastErrorRetryable,
		},
		NumberOfSuspends:    blob.NumberOfSuspends,
		ProgressStep:        blob.ProgressStep,
		HasSoftLockedStates: blob.HasSoftLockedStates,
		SoftLockId:          blob.SoftLockId,
		HasPendingIO:        blob.HasPendingIO,
		PendingIO:           blob.PendingIO,
	}
	if blob.HasFailureError {
		cp.FlowState.FailureError = blob.FailureError
	}
	return cp, nil
}

type historyEntryBlob struct {
	EventKind api.EventKind
	Result    []byte
	ErrType   string
	ErrMsg    string
}

// EncodeHistory serializes a FlowContext's replay history into the blob
// stored as Checkpoint.FlowState.SuspendedContinuation.
func EncodeHistory(history []api.HistoryEntry) ([]byte, error) {
	blobs := make([]historyEntryBlob, len(history))
	for i, h := range history {
		result, err := EncodeValue(h.Result)
		if err != nil {
			return nil, err
		}
		blobs[i] = historyEntryBlob{EventKind: h.EventKind, Result: result, ErrType: h.ErrType, ErrMsg: h.ErrMsg}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&blobs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHistory reverses EncodeHistory.
func DecodeHistory(data []byte) ([]api.HistoryEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var blobs []historyEntryBlob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&blobs); err != nil {
		return nil, err
	}
	history := make([]api.HistoryEntry, len(blobs))
	for i, b := range blobs {
		result, err := DecodeValue[any](b.Result)
		if err != nil {
			return nil, err
		}
		history[i] = api.HistoryEntry{EventKind: b.EventKind, Result: result, ErrType: b.ErrType, ErrMsg: b.ErrMsg}
	}
	return history, nil
}
