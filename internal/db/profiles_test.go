package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profileRows(draftGen, publishedGen int64, status string) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "user_id", "slug", "name", "bio", "avatar_url",
		"draft_generation", "published_generation", "publish_status", "artifact_key",
		"created_at", "updated_at",
	}).AddRow("profile-1", "user-1", "alice", "Alice", nil, nil,
		draftGen, publishedGen, status, nil, now, now)
}

// TestProfileHasUnpublishedChanges tests dirty detection from the counters
func TestProfileHasUnpublishedChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		draft     int64
		published int64
		want      bool
	}{
		{name: "fresh profile is clean", draft: 0, published: 0, want: false},
		{name: "draft ahead is dirty", draft: 3, published: 2, want: true},
		{name: "fully published is clean", draft: 5, published: 5, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Profile{DraftGeneration: tt.draft, PublishedGeneration: tt.published}
			assert.Equal(t, tt.want, p.HasUnpublishedChanges())
		})
	}
}

// TestDefaultSlug tests the slug assigned to fresh profiles
func TestDefaultSlug(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		userID string
		want   string
	}{
		{
			name:   "uuid is dehyphenated and truncated",
			userID: "A1B2C3D4-e5f6-7890-abcd-ef0123456789",
			want:   "user-a1b2c3d4",
		},
		{
			name:   "short id kept whole",
			userID: "ab12",
			want:   "user-ab12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultSlug(tt.userID))
		})
	}
}

// TestUpdateProfile tests field updates and the generation bump
func TestUpdateProfile(t *testing.T) {
	t.Parallel()

	name := "Alice"
	slug := "taken-slug"

	tests := []struct {
		name      string
		update    ProfileUpdate
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name:   "name update bumps generation",
			update: ProfileUpdate{Name: &name},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("UPDATE profiles SET draft_generation = draft_generation \\+ 1").
					WithArgs(name, "profile-1").
					WillReturnRows(profileRows(4, 3, PublishStatusIdle))
				mock.ExpectCommit()
			},
		},
		{
			name:   "taken slug rejected",
			update: ProfileUpdate{Slug: &slug},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT EXISTS").
					WithArgs(slug, "profile-1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
				mock.ExpectRollback()
			},
			wantErr: ErrSlugTaken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer sqlDB.Close()

			tt.setupMock(mock)

			d := &DB{client: sqlDB}

			updated, err := d.UpdateProfile(context.Background(), "profile-1", tt.update)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
				require.NotNil(t, updated)
				assert.Greater(t, updated.DraftGeneration, updated.PublishedGeneration)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// TestAcceptPublish tests the conditional idle->running transition
func TestAcceptPublish(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "idle profile accepts publish and enqueues job",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("UPDATE profiles").
					WithArgs(PublishStatusRunning, "profile-1", PublishStatusIdle).
					WillReturnRows(profileRows(4, 2, PublishStatusRunning))
				mock.ExpectExec("INSERT INTO jobs").
					WithArgs(sqlmock.AnyArg(), JobTypePublish, "profile-1", nil, JobStatusPending, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "running profile rejects second publish",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("UPDATE profiles").
					WithArgs(PublishStatusRunning, "profile-1", PublishStatusIdle).
					WillReturnError(sql.ErrNoRows)
				mock.ExpectRollback()
			},
			wantErr: ErrPublishInProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer sqlDB.Close()

			tt.setupMock(mock)

			d := &DB{client: sqlDB}

			profile, job, err := d.AcceptPublish(context.Background(), "profile-1")

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
				require.NotNil(t, profile)
				require.NotNil(t, job)
				assert.Equal(t, PublishStatusRunning, profile.PublishStatus)
				assert.Equal(t, JobTypePublish, job.Type)
				assert.Equal(t, JobStatusPending, job.Status)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// TestCommitPublish tests that the commit records generation, key and idle
// status in a single statement.
func TestCommitPublish(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("UPDATE profiles").
		WithArgs(int64(7), "profiles/alice.html", PublishStatusIdle, "profile-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	d := &DB{client: sqlDB}

	err = d.CommitPublish(context.Background(), "profile-1", 7, "profiles/alice.html")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDeleteAccount tests that account removal takes jobs, profile and user
// down in one transaction, in dependency order.
func TestDeleteAccount(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM profiles").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM users").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d := &DB{client: sqlDB}

	err = d.DeleteAccount(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
