package checkpoint

import (
	"fmt"

	"github.com/roach88/tokenline/internal/ir"
)

// BatchState is the in-progress contents of an aggregation batch.
type BatchState struct {
	BatchID string
	Members []string
}

// EncodeBatchState renders s as canonical JSON.
func EncodeBatchState(s BatchState) (string, error) {
	members := make(ir.IRArray, len(s.Members))
	for i, m := range s.Members {
		members[i] = ir.IRString(m)
	}
	data, err := ir.MarshalCanonical(ir.IRObject{
		"batch_id": ir.IRString(s.BatchID),
		"members":  members,
	})
	if err != nil {
		return "", fmt.Errorf("encode batch state: %w", err)
	}
	return string(data), nil
}

// DecodeBatchState parses a stored aggregation state.
func DecodeBatchState(data string) (BatchState, error) {
	obj, err := ir.ParseObject(data)
	if err != nil {
		return BatchState{}, fmt.Errorf("decode batch state: %w", err)
	}
	id, ok := obj["batch_id"].(ir.IRString)
	if !ok || id == "" {
		return BatchState{}, fmt.Errorf("decode batch state: missing batch_id")
	}
	arr, ok := obj["members"].(ir.IRArray)
	if !ok {
		return BatchState{}, fmt.Errorf("decode batch state: missing members")
	}
	s := BatchState{BatchID: string(id), Members: make([]string, 0, len(arr))}
	for i, v := range arr {
		m, ok := v.(ir.IRString)
		if !ok {
			return BatchState{}, fmt.Errorf("decode batch state: member %d is %T", i, v)
		}
		s.Members = append(s.Members, string(m))
	}
	return s, nil
}
