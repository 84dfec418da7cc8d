package gov

import (
	"bytes"
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/klp/pkg/chain"
	"github.com/luxfi/klp/pkg/errs"
)

// Role names an authorization set in the registry.
type Role string

const (
	RoleKeeper       Role = "keeper"
	RoleLiquidator   Role = "liquidator"
	RoleUpdater      Role = "updater"
	RoleSigner       Role = "signer"
	RoleHandler      Role = "handler"
	RoleManager      Role = "manager"
	RoleTokenManager Role = "token_manager"
	RoleReporter     Role = "reporter"
)

type roleKey struct {
	role Role
	addr common.Address
}

const (
	TopicConfigUpdated = "gov.config_updated"
	TopicRoleUpdated   = "gov.role_updated"
	TopicGovUpdated    = "gov.gov_updated"
)

type ConfigUpdated struct {
	Version uint64         `json:"version"`
	Caller  common.Address `json:"caller"`
}

type RoleUpdated struct {
	Role    Role           `json:"role"`
	Account common.Address `json:"account"`
	Enabled bool           `json:"enabled"`
}

// Governor holds the current Config, the governance address and the role registry.
type Governor struct {
	state  *chain.State
	logger log.Logger
	table  *errs.Table

	gov   *chain.Value[common.Address]
	cfg   *chain.Value[*Config]
	roles *chain.Map[roleKey, bool]
}

// New validates cfg and installs it as version 1 if it carries no version.
func New(state *chain.State, govAddr common.Address, cfg *Config, table *errs.Table, logger log.Logger) (*Governor, error) {
	if table == nil {
		table = errs.Default
	}
	if err := cfg.Validate(table); err != nil {
		return nil, err
	}
	initial := cfg.Clone()
	if initial.Version == 0 {
		initial.Version = 1
	}
	return &Governor{
		state:  state,
		logger: logger,
		table:  table,
		gov:    chain.NewValue(state, govAddr),
		cfg:    chain.NewValue(state, initial),
		roles:  chain.NewMap[roleKey, bool](state),
	}, nil
}

// Config returns the current configuration. Callers must treat it as read-only.
func (g *Governor) Config() *Config { return g.cfg.Get() }

func (g *Governor) Gov() common.Address { return g.gov.Get() }

func (g *Governor) Errors() *errs.Table { return g.table }

// Err resolves code through the governed message table.
func (g *Governor) Err(code errs.Code) error { return g.table.Err(code) }

func (g *Governor) State() *chain.State { return g.state }

// RequireGov fails unless caller is the governance address.
func (g *Governor) RequireGov(caller common.Address) error {
	if caller != g.gov.Get() {
		return g.table.Err(errs.Forbidden)
	}
	return nil
}

// Update applies fn to a copy of the config and publishes the copy as the next
// version. Only governance may call it.
func (g *Governor) Update(ctx context.Context, caller common.Address, fn func(*Config) error) error {
	return g.state.Atomic(ctx, func(ctx context.Context) error {
		if err := g.RequireGov(caller); err != nil {
			return err
		}
		return g.apply(caller, fn)
	})
}

// UpdateAs is Update for parameters delegated to a role; governance may also call it.
func (g *Governor) UpdateAs(ctx context.Context, caller common.Address, role Role, fn func(*Config) error) error {
	return g.state.Atomic(ctx, func(ctx context.Context) error {
		if caller != g.gov.Get() && !g.HasRole(role, caller) {
			return g.table.Err(errs.Forbidden)
		}
		return g.apply(caller, fn)
	})
}

// Replace installs next wholesale if its version is exactly the successor of the
// current one.
func (g *Governor) Replace(ctx context.Context, caller common.Address, next *Config) error {
	return g.state.Atomic(ctx, func(ctx context.Context) error {
		if err := g.RequireGov(caller); err != nil {
			return err
		}
		if next.Version != g.cfg.Get().Version+1 {
			return g.table.Err(errs.StaleConfigVersion)
		}
		return g.install(caller, next.Clone())
	})
}

func (g *Governor) apply(caller common.Address, fn func(*Config) error) error {
	next := g.cfg.Get().Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.Version = g.cfg.Get().Version + 1
	return g.install(caller, next)
}

func (g *Governor) install(caller common.Address, next *Config) error {
	if err := next.Validate(g.table); err != nil {
		return err
	}
	g.cfg.Set(next)
	g.state.Emit(TopicConfigUpdated, ConfigUpdated{Version: next.Version, Caller: caller})
	g.logger.Info("Config updated", "version", next.Version, "caller", caller)
	return nil
}

func (g *Governor) SetGov(ctx context.Context, caller, next common.Address) error {
	return g.state.Atomic(ctx, func(ctx context.Context) error {
		if err := g.RequireGov(caller); err != nil {
			return err
		}
		g.gov.Set(next)
		g.state.Emit(TopicGovUpdated, next)
		return nil
	})
}

// SetRole grants or revokes role for account. Only governance may call it.
func (g *Governor) SetRole(ctx context.Context, caller common.Address, role Role, account common.Address, enabled bool) error {
	return g.state.Atomic(ctx, func(ctx context.Context) error {
		if err := g.RequireGov(caller); err != nil {
			return err
		}
		g.Grant(role, account, enabled)
		return nil
	})
}

// Grant writes a role entry without an authorization check. It is used by
// components that manage their own role gates and must run inside a call or
// during setup.
func (g *Governor) Grant(role Role, account common.Address, enabled bool) {
	k := roleKey{role: role, addr: account}
	if enabled {
		g.roles.Set(k, true)
	} else {
		g.roles.Delete(k)
	}
	g.state.Emit(TopicRoleUpdated, RoleUpdated{Role: role, Account: account, Enabled: enabled})
}

func (g *Governor) HasRole(role Role, account common.Address) bool {
	return g.roles.Get(roleKey{role: role, addr: account})
}

// Members lists the accounts holding role in address order.
func (g *Governor) Members(role Role) []common.Address {
	var out []common.Address
	for _, k := range g.roles.Keys(func(a, b roleKey) bool { return bytes.Compare(a.addr[:], b.addr[:]) < 0 }) {
		if k.role == role {
			out = append(out, k.addr)
		}
	}
	return out
}

// SetErrorMessage overrides the message reported for code.
func (g *Governor) SetErrorMessage(ctx context.Context, caller common.Address, code errs.Code, msg string) error {
	return g.state.Atomic(ctx, func(ctx context.Context) error {
		if err := g.RequireGov(caller); err != nil {
			return err
		}
		return g.table.Set(code, msg)
	})
}
