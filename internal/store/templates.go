package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// CreateFormTemplate inserts a named JSON schema blob.
func (s *DB) CreateFormTemplate(ctx context.Context, t *core.FormTemplate) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO form_templates (name, version, schema)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		t.Name, t.Version, t.Schema,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return core.Wrap(core.KindInternal, "create form template", err)
	}
	return nil
}

// GetFormTemplate fetches a template by id.
func (s *DB) GetFormTemplate(ctx context.Context, id int64) (*core.FormTemplate, error) {
	var t core.FormTemplate
	err := s.db.GetContext(ctx, &t, `SELECT * FROM form_templates WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.KindNotFound, "form template %d not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "get form template", err)
	}
	return &t, nil
}

// ListFormTemplates returns all templates, newest first.
func (s *DB) ListFormTemplates(ctx context.Context) ([]core.FormTemplate, error) {
	var ts []core.FormTemplate
	err := s.db.SelectContext(ctx, &ts,
		`SELECT * FROM form_templates ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list form templates", err)
	}
	if ts == nil {
		ts = []core.FormTemplate{}
	}
	return ts, nil
}

// UpdateFormTemplate bumps the schema and version.
func (s *DB) UpdateFormTemplate(ctx context.Context, t *core.FormTemplate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE form_templates SET name = $1, version = $2, schema = $3, updated_at = now()
		WHERE id = $4`,
		t.Name, t.Version, t.Schema, t.ID)
	if err != nil {
		return core.Wrap(core.KindInternal, "update form template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Ef(core.KindNotFound, "form template %d not found", t.ID)
	}
	return nil
}
