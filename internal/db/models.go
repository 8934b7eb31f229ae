// Package db provides read-only SQLite access to the draft worker's database.
// It is an alternative draft source to the REST list endpoint.
package db

import (
	"database/sql"
	"encoding/json"

	"github.com/jwulff/draftsync/internal/draft"
)

// draftColumns is the select list scanned by scanDraft.
const draftColumns = `id, sourceItemId, sourceText, generatedText, editedText, finalText,
	status, createdAt, updatedAt, generationParams, model, persona,
	failureReason, postedUrl`

type scanner interface {
	Scan(dest ...any) error
}

// scanDraft reads one drafts row. Timestamps are REAL unix seconds and
// generationParams is a JSON object stored as TEXT.
func scanDraft(row scanner) (draft.Record, error) {
	var (
		rec                       draft.Record
		status                    string
		createdAt                 float64
		updatedAt                 sql.NullFloat64
		sourceText, edited, final sql.NullString
		params, model, persona    sql.NullString
		failureReason, postedURL  sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.SourceItemID, &sourceText, &rec.GeneratedText,
		&edited, &final, &status, &createdAt, &updatedAt, &params, &model,
		&persona, &failureReason, &postedURL); err != nil {
		return draft.Record{}, err
	}

	rec.Status = draft.Status(status)
	rec.CreatedAt = draft.FormatTimestamp(draft.FromUnix(createdAt))
	if updatedAt.Valid {
		rec.UpdatedAt = draft.FormatTimestamp(draft.FromUnix(updatedAt.Float64))
	}
	if edited.Valid {
		rec.EditedText = draft.StringPtr(edited.String)
	}
	if final.Valid {
		rec.FinalText = draft.StringPtr(final.String)
	}
	if params.Valid && params.String != "" {
		// a corrupt params blob should not hide the draft
		_ = json.Unmarshal([]byte(params.String), &rec.GenerationParams)
	}
	rec.SourceText = sourceText.String
	rec.Model = model.String
	rec.Persona = persona.String
	rec.FailureReason = failureReason.String
	rec.PostedURL = postedURL.String
	return rec, nil
}
