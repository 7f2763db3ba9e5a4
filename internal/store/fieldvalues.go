package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/stepline/internal/fields"
)

// SetFieldValue writes one field value for a workflow. Kickoff answers
// and task outputs live in the same keyspace.
func (s *Store) SetFieldValue(ctx context.Context, q Querier, workflowID, apiName, value string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO field_values (workflow_id, api_name, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (workflow_id, api_name) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = now()`,
		workflowID, apiName, value,
	)
	if err != nil {
		return fmt.Errorf("set field %s: %w", apiName, err)
	}
	return nil
}

// FieldValues reads a workflow's full field value snapshot.
func (s *Store) FieldValues(ctx context.Context, q Querier, workflowID string) (fields.Values, error) {
	rows, err := q.Query(ctx, `
		SELECT api_name, value FROM field_values WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load field values: %w", err)
	}
	defer rows.Close()

	vals := fields.Values{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan field value: %w", err)
		}
		vals[name] = value
	}
	return vals, rows.Err()
}
