package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/stepline/internal/workflow"
)

// SaveTemplate inserts one template version. Versions are immutable
// once written; editing a template means saving the next version.
func (s *Store) SaveTemplate(ctx context.Context, t *workflow.Template) error {
	kickoff, err := json.Marshal(t.KickoffFields)
	if err != nil {
		return fmt.Errorf("marshal kickoff fields: %w", err)
	}
	tasks, err := json.Marshal(t.Tasks)
	if err != nil {
		return fmt.Errorf("marshal template tasks: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO template_versions (template_id, version, name, kickoff_fields, tasks)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Version, t.Name, kickoff, tasks,
	)
	if err != nil {
		return fmt.Errorf("save template %s v%d: %w", t.ID, t.Version, err)
	}
	return nil
}

// GetTemplate retrieves one specific version.
func (s *Store) GetTemplate(ctx context.Context, id string, version int) (*workflow.Template, error) {
	return scanTemplate(s.db.QueryRow(ctx, `
		SELECT template_id, version, name, kickoff_fields, tasks
		FROM template_versions
		WHERE template_id = $1 AND version = $2`, id, version))
}

// LatestTemplate retrieves the highest saved version.
func (s *Store) LatestTemplate(ctx context.Context, id string) (*workflow.Template, error) {
	return scanTemplate(s.db.QueryRow(ctx, `
		SELECT template_id, version, name, kickoff_fields, tasks
		FROM template_versions
		WHERE template_id = $1
		ORDER BY version DESC
		LIMIT 1`, id))
}

// NextVersion returns the version number the next edit should use.
func (s *Store) NextVersion(ctx context.Context, id string) (int, error) {
	var max int
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM template_versions WHERE template_id = $1`, id,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next version for %s: %w", id, err)
	}
	return max + 1, nil
}

func scanTemplate(row pgx.Row) (*workflow.Template, error) {
	var t workflow.Template
	var kickoff, tasks []byte
	err := row.Scan(&t.ID, &t.Version, &t.Name, &kickoff, &tasks)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal(kickoff, &t.KickoffFields); err != nil {
		return nil, fmt.Errorf("unmarshal kickoff fields: %w", err)
	}
	if err := json.Unmarshal(tasks, &t.Tasks); err != nil {
		return nil, fmt.Errorf("unmarshal template tasks: %w", err)
	}
	return &t, nil
}

// RunningWorkflowIDs lists workflows of a template that still need
// migrating when a new version lands: anything not finished.
func (s *Store) RunningWorkflowIDs(ctx context.Context, templateID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM workflows
		WHERE template_id = $1 AND status != 'done'
		ORDER BY date_created`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list running workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
