package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// LoadActiveRules returns all active rules ordered by execution order.
func (s *PostgresStore) LoadActiveRules(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rule_type, COALESCE(subtype, ''), rule_level,
		       exec_order, COALESCE(expression, ''), flag_mask,
		       COALESCE(path_type_code, ''), active, created_at, updated_at
		FROM rules
		WHERE active = true
		ORDER BY exec_order ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var r Rule
		var mask int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Subtype, &r.Level,
			&r.ExecOrder, &r.Expression, &mask, &r.PathTypeCode,
			&r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.FlagMask = uint64(mask)
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

// LoadRuleFields returns all field bindings for active rules.
func (s *PostgresStore) LoadRuleFields(ctx context.Context) ([]RuleField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rf.rule_id, rf.field_id, rf.role, rf.position
		FROM rule_fields rf
		JOIN rules r ON r.id = rf.rule_id
		WHERE r.active = true
		ORDER BY rf.rule_id, rf.position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule fields: %w", err)
	}
	defer rows.Close()

	var fields []RuleField
	for rows.Next() {
		var f RuleField
		if err := rows.Scan(&f.RuleID, &f.FieldID, &f.Role, &f.Position); err != nil {
			return nil, fmt.Errorf("failed to scan rule field: %w", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule fields: %w", err)
	}

	return fields, nil
}

// LoadRuleFlowEdges returns all flow edges.
func (s *PostgresStore) LoadRuleFlowEdges(ctx context.Context) ([]RuleFlowEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_rule_id, child_rule_id, condition, position, active
		FROM rule_flow
		ORDER BY parent_rule_id, position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule flow edges: %w", err)
	}
	defer rows.Close()

	var edges []RuleFlowEdge
	for rows.Next() {
		var e RuleFlowEdge
		if err := rows.Scan(&e.ParentID, &e.ChildID, &e.Condition, &e.Position, &e.Active); err != nil {
			return nil, fmt.Errorf("failed to scan rule flow edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule flow edges: %w", err)
	}

	return edges, nil
}

// LoadPathTypes returns all path type definitions.
func (s *PostgresStore) LoadPathTypes(ctx context.Context) ([]PathType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, subtype, position
		FROM path_types
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query path types: %w", err)
	}
	defer rows.Close()

	var pathTypes []PathType
	for rows.Next() {
		var p PathType
		if err := rows.Scan(&p.Code, &p.Name, &p.Subtype, &p.Position); err != nil {
			return nil, fmt.Errorf("failed to scan path type: %w", err)
		}
		pathTypes = append(pathTypes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating path types: %w", err)
	}

	return pathTypes, nil
}
