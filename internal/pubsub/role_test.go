package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	t.Parallel()

	cases := map[string]Role{
		"manager":           RoleManager,
		"  MANAGER ":        RoleManager,
		"Менеджер":          RoleManager,
		"menedzher":         RoleManager,
		"Menedjer":          RoleManager,
		"menejer":           RoleManager,
		"manajer":           RoleManager,
		"Senior Manager":    RoleManager,
		"manager-assistant": RoleManager,
		"ＭＡＮＡＧＥＲ":          RoleManager,
		"administrator":     RoleMember,
		"specialist":        RoleMember,
		"":                  RoleMember,
	}
	for label, want := range cases {
		assert.Equal(t, want, ParseRole(label), "label %q", label)
	}
}

func TestNormalizeRole(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "front desk", NormalizeRole("  Front   DESK "))
	assert.Equal(t, "manager", NormalizeRole("ＭＡＮＡＧＥＲ"))
}
