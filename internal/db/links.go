package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Link belongs to exactly one profile. The draft triplet is what the user
// edits (and the metadata worker fills in); the published triplet is written
// only by the publish pipeline.
type Link struct {
	ID                   string    `json:"id"`
	ProfileID            string    `json:"profile_id"`
	URL                  string    `json:"url"`
	DraftTitle           *string   `json:"draft_title,omitempty"`
	DraftDescription     *string   `json:"draft_description,omitempty"`
	DraftImage           *string   `json:"draft_image,omitempty"`
	PublishedTitle       *string   `json:"published_title,omitempty"`
	PublishedDescription *string   `json:"published_description,omitempty"`
	PublishedImage       *string   `json:"published_image,omitempty"`
	Position             int       `json:"position"`
	IsActive             bool      `json:"is_active"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// LinkUpdate carries the optional fields of a link mutation. Nil means leave
// the field unchanged.
type LinkUpdate struct {
	URL              *string
	DraftTitle       *string
	DraftDescription *string
	DraftImage       *string
	Position         *int
	IsActive         *bool
}

const linkColumns = `id, profile_id, url, draft_title, draft_description, draft_image,
	published_title, published_description, published_image, position, is_active,
	created_at, updated_at`

func scanLink(row interface{ Scan(...any) error }) (*Link, error) {
	var l Link
	err := row.Scan(&l.ID, &l.ProfileID, &l.URL,
		&l.DraftTitle, &l.DraftDescription, &l.DraftImage,
		&l.PublishedTitle, &l.PublishedDescription, &l.PublishedImage,
		&l.Position, &l.IsActive, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLink loads a single link by id
func (d *DB) GetLink(ctx context.Context, linkID string) (*Link, error) {
	row := d.client.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM links WHERE id = $1`, linkID)
	l, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load link: %w", err)
	}
	return l, nil
}

// GetLinks returns all links of a profile ordered by position
func (d *DB) GetLinks(ctx context.Context, profileID string) ([]*Link, error) {
	return d.queryLinks(ctx,
		`SELECT `+linkColumns+` FROM links WHERE profile_id = $1 ORDER BY position ASC`,
		profileID)
}

// GetActiveLinks returns the profile's active links ordered by position
func (d *DB) GetActiveLinks(ctx context.Context, profileID string) ([]*Link, error) {
	return d.queryLinks(ctx,
		`SELECT `+linkColumns+` FROM links WHERE profile_id = $1 AND is_active ORDER BY position ASC`,
		profileID)
}

func (d *DB) queryLinks(ctx context.Context, query string, args ...any) ([]*Link, error) {
	rows, err := d.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read links: %w", err)
	}

	return links, nil
}

// CreateLink appends a link at the end of the profile's list, bumps the
// profile's draft generation and enqueues a metadata job, all in one
// transaction.
func (d *DB) CreateLink(ctx context.Context, profileID, url string) (*Link, *Job, error) {
	var link *Link
	var job *Job

	err := d.execute(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO links (profile_id, url, position)
			VALUES ($1, $2, (SELECT COALESCE(MAX(position), -1) + 1 FROM links WHERE profile_id = $1))
			RETURNING `+linkColumns,
			profileID, url)

		var err error
		link, err = scanLink(row)
		if err != nil {
			return fmt.Errorf("failed to insert link: %w", err)
		}

		if err := bumpDraftGenerationTx(ctx, tx, profileID); err != nil {
			return err
		}

		job, err = EnqueueJobTx(ctx, tx, JobTypeMetadata, profileID, &link.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return link, job, nil
}

// UpdateLink applies the field changes, performing the position shift for
// reorders and bumping the draft generation in the same transaction. When the
// URL changed a fresh metadata job is enqueued and returned.
func (d *DB) UpdateLink(ctx context.Context, link *Link, update LinkUpdate) (*Link, *Job, error) {
	var updated *Link
	var job *Job

	err := d.execute(ctx, func(tx *sql.Tx) error {
		if update.Position != nil && *update.Position != link.Position {
			if err := shiftPositionsTx(ctx, tx, link.ProfileID, link.Position, *update.Position); err != nil {
				return err
			}
		}

		setClauses := []string{"updated_at = NOW()"}
		args := []any{}
		arg := 1
		appendSet := func(column string, value any) {
			setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, arg))
			args = append(args, value)
			arg++
		}

		if update.URL != nil {
			appendSet("url", *update.URL)
		}
		if update.DraftTitle != nil {
			appendSet("draft_title", *update.DraftTitle)
		}
		if update.DraftDescription != nil {
			appendSet("draft_description", *update.DraftDescription)
		}
		if update.DraftImage != nil {
			appendSet("draft_image", *update.DraftImage)
		}
		if update.Position != nil {
			appendSet("position", *update.Position)
		}
		if update.IsActive != nil {
			appendSet("is_active", *update.IsActive)
		}

		query := fmt.Sprintf(`UPDATE links SET %s WHERE id = $%d RETURNING `+linkColumns,
			strings.Join(setClauses, ", "), arg)
		args = append(args, link.ID)

		var err error
		updated, err = scanLink(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			return fmt.Errorf("failed to update link: %w", err)
		}

		if err := bumpDraftGenerationTx(ctx, tx, link.ProfileID); err != nil {
			return err
		}

		if update.URL != nil && *update.URL != link.URL {
			job, err = EnqueueJobTx(ctx, tx, JobTypeMetadata, link.ProfileID, &link.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return updated, job, nil
}

// DeleteLink removes the link, closes the position gap it leaves behind and
// bumps the draft generation, all in one transaction.
func (d *DB) DeleteLink(ctx context.Context, link *Link) error {
	return d.execute(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE id = $1`, link.ID); err != nil {
			return fmt.Errorf("failed to delete link: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE links SET position = position - 1
			WHERE profile_id = $1 AND position > $2
		`, link.ProfileID, link.Position)
		if err != nil {
			return fmt.Errorf("failed to close position gap: %w", err)
		}

		return bumpDraftGenerationTx(ctx, tx, link.ProfileID)
	})
}

// SetDraftMetadata writes the fetched metadata into the link's draft triplet.
// Written by the metadata worker only; no generation bump, the bump happened
// when the link mutation was made.
func (d *DB) SetDraftMetadata(ctx context.Context, linkID, title, description, image string) error {
	var imageVal any
	if image != "" {
		imageVal = image
	}
	_, err := d.client.ExecContext(ctx, `
		UPDATE links
		SET draft_title = $1, draft_description = $2, draft_image = $3, updated_at = NOW()
		WHERE id = $4
	`, title, description, imageVal, linkID)
	if err != nil {
		return fmt.Errorf("failed to set draft metadata: %w", err)
	}
	return nil
}

// SnapshotPublishedFields copies the draft triplet into the published triplet
// for every active link of the profile, as a single atomic transaction.
func (d *DB) SnapshotPublishedFields(ctx context.Context, profileID string) error {
	return d.execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE links
			SET published_title = draft_title,
			    published_description = draft_description,
			    published_image = draft_image,
			    updated_at = NOW()
			WHERE profile_id = $1 AND is_active
		`, profileID)
		if err != nil {
			return fmt.Errorf("failed to snapshot published fields: %w", err)
		}
		return nil
	})
}

// bumpDraftGenerationTx increments the profile's draft generation by exactly
// 1 inside the caller's transaction. Every content mutation goes through
// here; skipping the bump would break dirty tracking.
func bumpDraftGenerationTx(ctx context.Context, tx *sql.Tx, profileID string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE profiles
		SET draft_generation = draft_generation + 1, updated_at = NOW()
		WHERE id = $1
	`, profileID)
	if err != nil {
		return fmt.Errorf("failed to bump draft generation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("profile %s not found for generation bump", profileID)
	}
	return nil
}

// shiftPositionsTx recomputes the positions of links between the old and new
// index so positions stay dense and unique. Runs inside the caller's
// transaction together with the moved link's own position update.
func shiftPositionsTx(ctx context.Context, tx *sql.Tx, profileID string, oldPos, newPos int) error {
	var err error
	if newPos > oldPos {
		// Moving down: links between old and new shift up
		_, err = tx.ExecContext(ctx, `
			UPDATE links SET position = position - 1
			WHERE profile_id = $1 AND position > $2 AND position <= $3
		`, profileID, oldPos, newPos)
	} else {
		// Moving up: links between new and old shift down
		_, err = tx.ExecContext(ctx, `
			UPDATE links SET position = position + 1
			WHERE profile_id = $1 AND position >= $3 AND position < $2
		`, profileID, oldPos, newPos)
	}
	if err != nil {
		return fmt.Errorf("failed to shift link positions: %w", err)
	}
	return nil
}
