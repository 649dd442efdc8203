package pubsub

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Role is the routing class of a live subscriber or target.
type Role int

const (
	// RoleMember is any role the router does not route on.
	RoleMember Role = iota
	// RoleManager receives events targeted at managers.
	RoleManager
)

// RoleManagerKey is the wire value that targets managers.
const RoleManagerKey = "manager"

// managerSynonyms maps normalized labels, including transliterations used by
// tenants, onto RoleManager.
var managerSynonyms = map[string]Role{
	"manager":   RoleManager,
	"менеджер":  RoleManager,
	"menedzher": RoleManager,
	"menedjer":  RoleManager,
	"menejer":   RoleManager,
	"manajer":   RoleManager,
	"managers":  RoleManager,
}

// NormalizeRole applies NFKC normalization and Unicode case folding, then
// collapses internal whitespace.
func NormalizeRole(label string) string {
	folded := cases.Fold().String(norm.NFKC.String(label))
	return strings.Join(strings.Fields(folded), " ")
}

// ParseRole classifies a role label. A label is a manager label when the
// whole label or any word of it is a manager synonym, so "Senior Manager"
// routes as a manager.
func ParseRole(label string) Role {
	normalized := NormalizeRole(label)
	if normalized == "" {
		return RoleMember
	}
	if role, ok := managerSynonyms[normalized]; ok {
		return role
	}
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		if role, ok := managerSynonyms[word]; ok {
			return role
		}
	}
	return RoleMember
}

func (r Role) String() string {
	if r == RoleManager {
		return RoleManagerKey
	}
	return "member"
}

func targetsManager(roles []string) bool {
	for _, role := range roles {
		if ParseRole(role) == RoleManager {
			return true
		}
	}
	return false
}
