package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/domain"
)

func TestCreateWithRecipientsCommitsAtomically(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMessageRepo(db)

	msg := &domain.Message{
		ID:          "msg-1",
		TenantID:    "ten-1",
		FromAddress: "ops@example.com",
		Subject:     "hello",
		Status:      domain.StatusQueued,
	}
	recipients := []domain.Recipient{
		{ID: "rcp-1", MessageID: "msg-1", Address: "a@dest.com", Domain: "dest.com", State: domain.RecipientPending},
		{ID: "rcp-2", MessageID: "msg-1", Address: "b@dest.com", Domain: "dest.com", State: domain.RecipientSuppressed},
	}
	job := &domain.QueueJob{ID: "job-1", TenantID: "ten-1", MessageID: "msg-1", Priority: 2, EnqueuedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO recipients").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO recipients").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO queue_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateWithRecipients(context.Background(), msg, recipients, job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithRecipientsRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMessageRepo(db)

	msg := &domain.Message{ID: "msg-1", TenantID: "ten-1", FromAddress: "ops@example.com", Status: domain.StatusQueued}
	recipients := []domain.Recipient{
		{ID: "rcp-1", MessageID: "msg-1", Address: "a@dest.com", Domain: "dest.com", State: domain.RecipientPending},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO recipients").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = repo.CreateWithRecipients(context.Background(), msg, recipients, nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithRecipientsSkipsQueueJobWhenNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMessageRepo(db)

	msg := &domain.Message{ID: "msg-2", TenantID: "ten-1", FromAddress: "ops@example.com", Status: domain.StatusSuppressed}
	recipients := []domain.Recipient{
		{ID: "rcp-1", MessageID: "msg-2", Address: "a@dest.com", Domain: "dest.com", State: domain.RecipientSuppressed},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO recipients").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateWithRecipients(context.Background(), msg, recipients, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessageIsTenantScoped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMessageRepo(db)

	mock.ExpectQuery("SELECT .+ FROM messages WHERE id").
		WithArgs("msg-1", "other-tenant").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err = repo.Get(context.Background(), "other-tenant", "msg-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEventInsertReportsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewEventRepo(db)
	e := &domain.Event{
		ID:          "evt-1",
		MessageID:   "msg-1",
		Type:        domain.EventDelivered,
		Timestamp:   time.Now(),
		Fingerprint: domain.EventFingerprint("msg-1", domain.EventDelivered, "a@dest.com"),
	}

	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := repo.Insert(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, inserted)

	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = repo.Insert(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, inserted)
}
