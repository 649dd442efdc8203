package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/persistence/sqlstore"
)

// seedFile is the YAML layout accepted by --seed. Applying it twice is safe.
type seedFile struct {
	Organizations []seedOrganization `yaml:"organizations"`
}

type seedOrganization struct {
	ID      int64        `yaml:"id"`
	Roles   []seedRole   `yaml:"roles"`
	Members []seedMember `yaml:"members"`
}

type seedRole struct {
	Label       string   `yaml:"label"`
	Permissions []string `yaml:"permissions"`
}

type seedMember struct {
	UserID int64  `yaml:"user_id"`
	Role   string `yaml:"role"`
	Admin  bool   `yaml:"admin"`
}

func applySeedFile(ctx context.Context, writer *sqlstore.DirectoryWriter, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	return applySeed(ctx, writer, seed)
}

func applySeed(ctx context.Context, writer *sqlstore.DirectoryWriter, seed seedFile) error {
	for _, org := range seed.Organizations {
		if org.ID <= 0 {
			return fmt.Errorf("seed: organization id must be positive")
		}
		roleIDs := make(map[string]int64, len(org.Roles))
		for _, role := range org.Roles {
			id, err := writer.EnsureRole(ctx, org.ID, role.Label)
			if err != nil {
				return fmt.Errorf("seed: role %q: %w", role.Label, err)
			}
			for _, code := range role.Permissions {
				if err := writer.GrantPermission(ctx, id, code); err != nil {
					return fmt.Errorf("seed: grant %q to %q: %w", code, role.Label, err)
				}
			}
			roleIDs[role.Label] = id
		}
		for _, member := range org.Members {
			roleID, ok := roleIDs[member.Role]
			if !ok {
				return fmt.Errorf("seed: member %d references unknown role %q", member.UserID, member.Role)
			}
			if err := writer.UpsertMember(ctx, persistence.Member{
				OrganizationID: org.ID,
				UserID:         member.UserID,
				RoleID:         roleID,
				IsAdmin:        member.Admin,
			}); err != nil {
				return fmt.Errorf("seed: member %d: %w", member.UserID, err)
			}
		}
	}
	return nil
}
