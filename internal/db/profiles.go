package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Publish statuses of a profile
const (
	PublishStatusIdle    = "idle"
	PublishStatusRunning = "running"
)

// ErrPublishInProgress is returned when a publish is requested while another
// publish job for the same profile is still active.
var ErrPublishInProgress = errors.New("publish already in progress")

// ErrSlugTaken is returned when a profile update requests a slug that another
// profile already owns.
var ErrSlugTaken = errors.New("slug already taken")

// Profile is a user's draft page: display fields plus the generation counters
// that drive the publish pipeline.
type Profile struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	Slug                string    `json:"slug"`
	Name                string    `json:"name,omitempty"`
	Bio                 string    `json:"bio,omitempty"`
	AvatarURL           string    `json:"avatar_url,omitempty"`
	DraftGeneration     int64     `json:"draft_generation"`
	PublishedGeneration int64     `json:"published_generation"`
	PublishStatus       string    `json:"publish_status"`
	ArtifactKey         string    `json:"artifact_key,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HasUnpublishedChanges reports whether the profile is dirty: the draft has
// moved past what was last published.
func (p *Profile) HasUnpublishedChanges() bool {
	return p.PublishedGeneration < p.DraftGeneration
}

// User is the minimal identity row kept alongside the auth provider
type User struct {
	ID        string    `json:"id"`
	AuthUID   string    `json:"auth_uid"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileUpdate carries the optional fields of a profile mutation. Nil means
// leave the field unchanged.
type ProfileUpdate struct {
	Slug      *string
	Name      *string
	Bio       *string
	AvatarURL *string
}

const profileColumns = `id, user_id, slug, name, bio, avatar_url, draft_generation,
	published_generation, publish_status, artifact_key, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*Profile, error) {
	var p Profile
	var name, bio, avatarURL, artifactKey sql.NullString

	err := row.Scan(&p.ID, &p.UserID, &p.Slug, &name, &bio, &avatarURL,
		&p.DraftGeneration, &p.PublishedGeneration, &p.PublishStatus, &artifactKey,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Name = name.String
	p.Bio = bio.String
	p.AvatarURL = avatarURL.String
	p.ArtifactKey = artifactKey.String
	return &p, nil
}

// GetOrCreateUser looks up a user by auth provider uid, creating the row on
// first login.
func (d *DB) GetOrCreateUser(ctx context.Context, authUID, email string) (*User, error) {
	var user User
	err := d.client.QueryRowContext(ctx, `
		SELECT id, auth_uid, email, created_at FROM users WHERE auth_uid = $1
	`, authUID).Scan(&user.ID, &user.AuthUID, &user.Email, &user.CreatedAt)
	if err == nil {
		return &user, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	err = d.client.QueryRowContext(ctx, `
		INSERT INTO users (auth_uid, email)
		VALUES ($1, $2)
		ON CONFLICT (auth_uid) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, auth_uid, email, created_at
	`, authUID, email).Scan(&user.ID, &user.AuthUID, &user.Email, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return &user, nil
}

// GetProfileByUserID loads the profile owned by the given user
func (d *DB) GetProfileByUserID(ctx context.Context, userID string) (*Profile, error) {
	row := d.client.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return p, nil
}

// GetProfileBySlug loads a profile by its public slug
func (d *DB) GetProfileBySlug(ctx context.Context, slug string) (*Profile, error) {
	row := d.client.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE slug = $1`, slug)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile by slug: %w", err)
	}
	return p, nil
}

// GetProfileByID loads a profile by id
func (d *DB) GetProfileByID(ctx context.Context, profileID string) (*Profile, error) {
	row := d.client.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, profileID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile by id: %w", err)
	}
	return p, nil
}

// CreateProfile creates an empty profile for the user with a default slug
// derived from the user id.
func (d *DB) CreateProfile(ctx context.Context, userID string) (*Profile, error) {
	slug := DefaultSlug(userID)

	row := d.client.QueryRowContext(ctx, `
		INSERT INTO profiles (user_id, slug)
		VALUES ($1, $2)
		RETURNING `+profileColumns+`
	`, userID, slug)
	p, err := scanProfile(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	return p, nil
}

// DefaultSlug builds the slug assigned to a fresh profile
func DefaultSlug(userID string) string {
	trimmed := strings.ReplaceAll(userID, "-", "")
	if len(trimmed) > 8 {
		trimmed = trimmed[:8]
	}
	return "user-" + strings.ToLower(trimmed)
}

// UpdateProfile applies the given field changes and bumps draft_generation by
// exactly 1 in the same transaction. Returns the updated profile.
func (d *DB) UpdateProfile(ctx context.Context, profileID string, update ProfileUpdate) (*Profile, error) {
	var updated *Profile

	err := d.execute(ctx, func(tx *sql.Tx) error {
		if update.Slug != nil {
			var taken bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (SELECT 1 FROM profiles WHERE slug = $1 AND id <> $2)
			`, *update.Slug, profileID).Scan(&taken)
			if err != nil {
				return fmt.Errorf("failed to check slug: %w", err)
			}
			if taken {
				return ErrSlugTaken
			}
		}

		setClauses := []string{"draft_generation = draft_generation + 1", "updated_at = NOW()"}
		args := []any{}
		arg := 1
		appendSet := func(column string, value any) {
			setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, arg))
			args = append(args, value)
			arg++
		}

		if update.Slug != nil {
			appendSet("slug", *update.Slug)
		}
		if update.Name != nil {
			appendSet("name", *update.Name)
		}
		if update.Bio != nil {
			appendSet("bio", *update.Bio)
		}
		if update.AvatarURL != nil {
			appendSet("avatar_url", *update.AvatarURL)
		}

		query := fmt.Sprintf(`UPDATE profiles SET %s WHERE id = $%d RETURNING `+profileColumns,
			strings.Join(setClauses, ", "), arg)
		args = append(args, profileID)

		var err error
		updated, err = scanProfile(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			return fmt.Errorf("failed to update profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// AcceptPublish bumps the draft generation, flips publish_status to running
// and enqueues a publish job, all in one transaction. Returns
// ErrPublishInProgress if a publish is already running for the profile.
func (d *DB) AcceptPublish(ctx context.Context, profileID string) (*Profile, *Job, error) {
	var profile *Profile
	var job *Job

	err := d.execute(ctx, func(tx *sql.Tx) error {
		// Conditional transition: only an idle profile accepts a publish.
		row := tx.QueryRowContext(ctx, `
			UPDATE profiles
			SET draft_generation = draft_generation + 1,
			    publish_status = $1,
			    updated_at = NOW()
			WHERE id = $2 AND publish_status = $3
			RETURNING `+profileColumns,
			PublishStatusRunning, profileID, PublishStatusIdle)

		var err error
		profile, err = scanProfile(row)
		if err == sql.ErrNoRows {
			return ErrPublishInProgress
		}
		if err != nil {
			return fmt.Errorf("failed to accept publish: %w", err)
		}

		job, err = EnqueueJobTx(ctx, tx, JobTypePublish, profileID, nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return profile, job, nil
}

// ResetPublishStatus returns the profile's publish_status to idle. Called on
// every publish failure, whether terminal or retry-scheduled, so a failed
// publish never locks the user out.
func (d *DB) ResetPublishStatus(ctx context.Context, profileID string) error {
	_, err := d.client.ExecContext(ctx, `
		UPDATE profiles SET publish_status = $1, updated_at = NOW() WHERE id = $2
	`, PublishStatusIdle, profileID)
	if err != nil {
		return fmt.Errorf("failed to reset publish status: %w", err)
	}
	return nil
}

// CommitPublish records a confirmed upload: advances published_generation to
// the generation captured at job start, stores the artifact key and returns
// the profile to idle. Runs only after the artifact upload succeeded.
func (d *DB) CommitPublish(ctx context.Context, profileID string, generation int64, artifactKey string) error {
	_, err := d.client.ExecContext(ctx, `
		UPDATE profiles
		SET published_generation = $1,
		    artifact_key = $2,
		    publish_status = $3,
		    updated_at = NOW()
		WHERE id = $4
	`, generation, artifactKey, PublishStatusIdle, profileID)
	if err != nil {
		return fmt.Errorf("failed to commit publish: %w", err)
	}
	return nil
}

// DeleteAccount removes a user and everything hanging off them in one
// transaction: jobs first (they carry no foreign key), then the profile,
// whose links cascade, then the user row. Jobs already claimed by a worker
// disappear with the rest; the workers treat a missing profile or link as a
// terminal no-op.
func (d *DB) DeleteAccount(ctx context.Context, userID string) error {
	return d.execute(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE profile_id IN (SELECT id FROM profiles WHERE user_id = $1)
		`, userID); err != nil {
			return fmt.Errorf("failed to delete account jobs: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM profiles WHERE user_id = $1
		`, userID); err != nil {
			return fmt.Errorf("failed to delete account profile: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM users WHERE id = $1
		`, userID); err != nil {
			return fmt.Errorf("failed to delete account user: %w", err)
		}

		return nil
	})
}

// execute runs fn inside a transaction
func (d *DB) execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
