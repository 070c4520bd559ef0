package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetting(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSettingsRepository(db)

	rows := sqlmock.NewRows([]string{"value"}).AddRow("12")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM sync_settings WHERE name = $1")).
		WithArgs("last_sync_course_index").
		WillReturnRows(rows)

	value, err := repo.Get(context.Background(), "last_sync_course_index")
	require.NoError(t, err)
	assert.Equal(t, "12", value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSettingUnsetReturnsEmpty(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSettingsRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM sync_settings WHERE name = $1")).
		WithArgs("accesstoken").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	value, err := repo.Get(context.Background(), "accesstoken")
	require.NoError(t, err)
	assert.Empty(t, value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSettingUpserts(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSettingsRepository(db)

	mock.ExpectExec("INSERT INTO sync_settings").
		WithArgs("accesstoken", "at1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Set(context.Background(), "accesstoken", "at1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSetting(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewSettingsRepository(db)

	mock.ExpectExec("DELETE FROM sync_settings").
		WithArgs("accesstoken").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Delete(context.Background(), "accesstoken")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
