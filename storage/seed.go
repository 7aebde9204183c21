package storage

import (
	"context"
	"fmt"

	"boroledger/core/types"
)

// EnsureDefaults installs the settings required by the core when missing.
// Expiry starts disabled.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO settings(key, value) VALUES(?, '0')
    `, types.SettingExpiryDays)
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

// CreateMerchant provisions a merchant row with default limits.
func (s *Store) CreateMerchant(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO merchants(id, display_name) VALUES(?, ?)`, id, name)
	if err != nil {
		return fmt.Errorf("insert merchant: %w", err)
	}
	return nil
}

// EnsureSeed provisions the demo identities on first boot: a program admin,
// two users, two merchants, and the system account. No-op once any user row
// exists.
func (s *Store) EnsureSeed(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	users := []struct {
		id, role, name string
	}{
		{"admin", "admin", "Program Admin"},
		{"user1", "user", "Alex Johnson"},
		{"user2", "user", "Sam Rivera"},
	}
	for _, u := range users {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO users(id, role, display_name) VALUES(?, ?, ?)`, u.id, u.role, u.name); err != nil {
			return fmt.Errorf("seed user %s: %w", u.id, err)
		}
		if u.role == "user" {
			if err := s.CreateAccount(ctx, u.id, types.AccountUser); err != nil {
				return err
			}
		}
	}
	merchants := []struct {
		id, name string
	}{
		{"merchant1", "Sunny Cafe"},
		{"merchant2", "Hillsborough Books"},
	}
	for _, m := range merchants {
		if err := s.CreateMerchant(ctx, m.id, m.name); err != nil {
			return err
		}
		if err := s.CreateAccount(ctx, m.id, types.AccountMerchant); err != nil {
			return err
		}
	}
	return s.CreateAccount(ctx, "system", types.AccountSystem)
}
