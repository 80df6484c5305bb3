package entity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{
			name: "definition",
			req:  Request{Action: ActionDefinition, ProjectRoot: "/p", Args: []string{"src/a.ts:11:3"}},
		},
		{
			name: "status without project",
			req:  Request{Action: ActionStatus},
		},
		{
			name: "stop without project",
			req:  Request{Action: ActionStop, Args: []string{}},
		},
		{
			name:    "missing action",
			req:     Request{ProjectRoot: "/p"},
			wantErr: `invalid field "Action"`,
		},
		{
			name:    "unknown action",
			req:     Request{Action: "rename", ProjectRoot: "/p"},
			wantErr: `failed "oneof" validation`,
		},
		{
			name:    "project required",
			req:     Request{Action: ActionHover, Args: []string{"a.ts:1:1"}},
			wantErr: "requires a projectRoot",
		},
		{
			name:    "oversized arg",
			req:     Request{Action: ActionDiagnostics, ProjectRoot: "/p", Args: []string{strings.Repeat("a", 4097)}},
			wantErr: `failed "max" validation`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestActionScopes(t *testing.T) {
	assert.True(t, ActionDefinition.NeedsProject())
	assert.True(t, ActionDefinition.NeedsSession())
	assert.True(t, ActionStopSession.NeedsProject())
	assert.False(t, ActionStopSession.NeedsSession())
	assert.False(t, ActionStatus.NeedsProject())
	assert.False(t, ActionStop.NeedsSession())
}
