// Package directory implements the identity provider port over a YAML
// user file. The file stands in for an external identity/quota source
// and is read once at startup.
package directory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/identity"
)

type userEntry struct {
	Groups        []string `yaml:"groups"`
	Team          string   `yaml:"team"`
	TenantID      string   `yaml:"tenant_id"`
	CPU           float64  `yaml:"cpu"`
	MemoryGB      float64  `yaml:"memory_gb"`
	StorageGB     float64  `yaml:"storage_gb"`
	MonthlyBudget float64  `yaml:"monthly_budget"`
}

type usersFile struct {
	Users map[string]userEntry `yaml:"users"`
}

// Provider resolves usernames against the loaded directory.
type Provider struct {
	users map[string]identity.UserContext
}

// Load reads the YAML user directory at path.
func Load(path string) (*Provider, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from config
	if err != nil {
		return nil, fmt.Errorf("read users file %s: %w", path, err)
	}

	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file %s: %w", path, err)
	}

	users := make(map[string]identity.UserContext, len(f.Users))
	for name, e := range f.Users {
		users[name] = identity.UserContext{
			Username: name,
			Groups:   e.Groups,
			Team:     e.Team,
			TenantID: e.TenantID,
			Quota: identity.Quota{
				CPU:       e.CPU,
				MemoryGB:  e.MemoryGB,
				StorageGB: e.StorageGB,
			},
			MonthlyBudget: e.MonthlyBudget,
		}
	}
	return &Provider{users: users}, nil
}

// Lookup returns the user's context or ErrNotFound for unknown users.
func (p *Provider) Lookup(_ context.Context, username string) (*identity.UserContext, error) {
	u, ok := p.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
	}
	cp := u
	cp.Groups = append([]string(nil), u.Groups...)
	return &cp, nil
}
