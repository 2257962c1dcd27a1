package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/edgewatch/internal/entity"
	"github.com/dbsmedya/edgewatch/internal/types"
)

type stubEntities struct {
	byID     map[string]types.ExternalEntity
	byHandle map[string]types.ExternalEntity
	err      error
}

func (s stubEntities) Resolve(_ context.Context, id, handle string) (*types.ExternalEntity, error) {
	if s.err != nil {
		return nil, s.err
	}
	if e, ok := s.byID[id]; ok && id != "" {
		return &e, nil
	}
	if e, ok := s.byHandle[handle]; ok && handle != "" {
		return &e, nil
	}
	return nil, entity.ErrEntityNotFound
}

func TestResolveNode(t *testing.T) {
	entities := stubEntities{
		byID: map[string]types.ExternalEntity{
			"123": {ExternalID: "123", Handle: "someone"},
		},
		byHandle: map[string]types.ExternalEntity{
			"123":   {ExternalID: "9", Handle: "123"},
			"alice": {ExternalID: "1", Handle: "alice"},
		},
	}

	tests := []struct {
		arg  string
		want string
	}{
		{"123", "123"},
		{"@123", "9"},
		{"alice", "1"},
		{"@alice", "1"},
		{"@ghost", "ghost"},
		{"555", "555"},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := resolveNode(context.Background(), entities, tt.arg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := resolveNode(context.Background(), stubEntities{err: assert.AnError}, "x")
	assert.ErrorIs(t, err, assert.AnError)
}
