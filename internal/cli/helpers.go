package cli

import (
	"fmt"

	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/resolver"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/vault"
)

// flagUser is the acting user for agent, schedule, vault and inbox
// commands. Local CLI use defaults to the operator account.
var flagUser string

func openStore() (*store.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, cfg, nil
}

func openResolver(st *store.Store) (*resolver.Resolver, error) {
	builtins, err := resolver.LoadBuiltins()
	if err != nil {
		return nil, err
	}
	if err := resolver.EnsureSeedTemplates(st); err != nil {
		return nil, err
	}
	return resolver.New(st, builtins), nil
}

func openVault(st *store.Store, cfg *config.Config) (*vault.Vault, error) {
	keys, err := vault.LoadOrCreateKeyset(cfg.Vault.Backend, cfg.Paths.Home)
	if err != nil {
		return nil, fmt.Errorf("load vault keyset: %w", err)
	}
	return vault.New(st, keys), nil
}
