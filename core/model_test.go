package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTeamDefinition_EnabledMembersPreservesOrder(t *testing.T) {
	team := TeamDefinition{
		Members: []Member{
			{ID: "a", Enabled: true},
			{ID: "b", Enabled: false},
			{ID: "c", Enabled: true},
		},
	}
	enabled := team.EnabledMembers()
	assert.Len(t, enabled, 2)
	assert.Equal(t, "a", enabled[0].ID)
	assert.Equal(t, "c", enabled[1].ID)
}

func TestTeamDefinition_NoEnabledMembers(t *testing.T) {
	team := TeamDefinition{Members: []Member{{ID: "a", Enabled: false}}}
	assert.Empty(t, team.EnabledMembers())
}
