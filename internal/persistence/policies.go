package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const policyColumns = `id, name, version, scope_type, scope_id, rules, active, created_at, updated_at`

func scanPolicy(row interface{ Scan(...any) error }) (*Policy, error) {
	var p Policy
	var active int
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &p.ScopeType, &p.ScopeID,
		&p.Rules, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Active = active != 0
	return &p, nil
}

// UpsertPolicy installs a policy document for a scope. When activating, any
// previously active policy on the same scope is deactivated in the same tx so
// the one-active-per-scope index holds.
func (s *Store) UpsertPolicy(ctx context.Context, p *Policy) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if p.Active {
			if _, err := tx.ExecContext(ctx, `
				UPDATE policies SET active = 0, updated_at = CURRENT_TIMESTAMP
				WHERE scope_type = ? AND scope_id = ? AND active = 1 AND id != ?;
			`, p.ScopeType, p.ScopeID, p.ID); err != nil {
				return fmt.Errorf("deactivate prior policy: %w", err)
			}
		}
		active := 0
		if p.Active {
			active = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policies (id, name, version, scope_type, scope_id, rules, active)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				version = excluded.version,
				scope_type = excluded.scope_type,
				scope_id = excluded.scope_id,
				rules = excluded.rules,
				active = excluded.active,
				updated_at = CURRENT_TIMESTAMP;
		`, p.ID, p.Name, p.Version, p.ScopeType, p.ScopeID, p.Rules, active); err != nil {
			return fmt.Errorf("upsert policy: %w", err)
		}
		return nil
	})
}

// ActivePolicy returns the active policy for an exact scope, or nil when the
// scope has none.
func (s *Store) ActivePolicy(ctx context.Context, scopeType, scopeID string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE scope_type = ? AND scope_id = ? AND active = 1;
	`, scopeType, scopeID)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	return p, nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM policies ORDER BY scope_type ASC, scope_id ASC, version DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
