package repository

import (
	"context"
	"testing"
	"time"

	"mailpilot/dispatcher"
	"mailpilot/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestCompareAndSwapStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepository(db)

	mock.ExpectExec(`UPDATE "email_campaigns" SET .*"status"=.* WHERE \(?id = \$\d+ AND status = \$\d+\)?`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.CompareAndSwapStatus(context.Background(), 4, models.CampaignDraft, models.CampaignSending,
		map[string]interface{}{"started_at": time.Now()})
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(`UPDATE "email_campaigns" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.CompareAndSwapStatus(context.Background(), 4, models.CampaignDraft, models.CampaignSending, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a lost race affects no rows")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountEmails_JoinsTemplatesWithinWindow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "email_logs" JOIN email_templates ON email_templates.id = email_logs.email_template_id WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	from := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	n, err := repo.CountEmails(context.Background(), 9, from, from.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEffectivePlan_FallsBackToDefault(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "user_subscriptions"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "plan_id"}))
	mock.ExpectQuery(`SELECT \* FROM "subscription_plans" WHERE is_default = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "max_contacts", "is_default"}).AddRow(1, "free", 500, true))

	plan, err := repo.EffectivePlan(context.Background(), 9, time.Now())
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "free", plan.Name)
	assert.Equal(t, 500, plan.MaxContacts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEffectivePlan_NoPlanAtAll(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "user_subscriptions"`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT \* FROM "subscription_plans"`).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	plan, err := repo.EffectivePlan(context.Background(), 9, time.Now())
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestGetCampaign_NotFoundIsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "email_campaigns" WHERE "email_campaigns"."id" = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	c, err := repo.GetCampaign(context.Background(), 12)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestMarkLog_OnlyFromPending(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepository(db)

	mock.ExpectExec(`UPDATE "email_logs" SET .* WHERE \(?id = \$\d+ AND status = \$\d+\)?`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	now := time.Now()
	require.NoError(t, repo.MarkLog(context.Background(), 3, models.EmailSent, "", &now))

	mock.ExpectExec(`UPDATE "email_logs" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.MarkLog(context.Background(), 3, models.EmailFailed, "late", nil)
	assert.ErrorIs(t, err, dispatcher.ErrLogNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecipients_OrderedByMembership(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepository(db)

	mock.ExpectQuery(`SELECT contacts.id AS contact_id, .* FROM "group_contacts" JOIN contacts .* ORDER BY group_contacts.created_at ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"contact_id", "email", "name"}).
			AddRow(5, "a@x.com", "A").
			AddRow(2, "b@x.com", ""))

	got, err := repo.Recipients(context.Background(), 1, time.Now())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint(5), got[0].ContactID)
	assert.Equal(t, "b@x.com", got[1].Email)
}

func TestFindByEmail(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewContactRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "contacts" WHERE \(?user_id = \$1 AND email = \$2\)?`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "email", "name"}).AddRow(1, 7, "ada@example.com", "Ada"))

	c, err := repo.FindByEmail(context.Background(), 7, "  ADA@Example.com ")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Ada", c.Name)
}

func TestFindByEmail_NotFoundIsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewContactRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "contacts"`).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	c, err := repo.FindByEmail(context.Background(), 7, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, c)
}
