package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
	"github.com/covenant-labs/covenant/pkg/contracts"
)

var policyRows = []string{
	"id", "tenant_id", "name", "namespace", "description", "version", "status",
	"definition", "checksum", "created_by", "created_at", "updated_at", "published_at",
}

func policyRow(t *testing.T, id string, version int, status contracts.PolicyStatus) *sqlmock.Rows {
	t.Helper()
	def := validDefinition()
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	checksum, err := canonicalize.Checksum(def)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(policyRows).AddRow(
		id, "tenant-1", "prod-guard", "default", "desc", version, string(status),
		raw, checksum, "ops", now, now, nil)
}

func TestPostgresFindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectQuery("SELECT (.+) FROM policies WHERE id = \\$1 AND tenant_id = \\$2").
		WithArgs("pol-1", "tenant-1").
		WillReturnRows(policyRow(t, "pol-1", 1, contracts.PolicyPublished))

	p, err := s.FindByID(context.Background(), "pol-1", "tenant-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "prod-guard", p.Name)
	assert.Equal(t, contracts.PolicyPublished, p.Status)
	assert.Equal(t, contracts.ActionAllow, p.Definition.DefaultAction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindByIDMissingReturnsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectQuery("SELECT (.+) FROM policies WHERE id = \\$1 AND tenant_id = \\$2").
		WithArgs("pol-404", "tenant-1").
		WillReturnError(sql.ErrNoRows)

	p, err := s.FindByID(context.Background(), "pol-404", "tenant-1")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectQuery("SELECT (.+) FROM policies WHERE tenant_id = \\$1 AND name = \\$2 AND namespace = \\$3").
		WithArgs("tenant-1", "prod-guard", "default").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO policies").
		WillReturnResult(sqlmock.NewResult(1, 1))

	p, err := s.Create(context.Background(), CreateInput{
		TenantID: "tenant-1", Name: "prod-guard", Namespace: "default",
		Definition: validDefinition(), CreatedBy: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, contracts.PolicyDraft, p.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateChecksumConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectQuery("SELECT (.+) FROM policies WHERE tenant_id = \\$1 AND name = \\$2 AND namespace = \\$3").
		WithArgs("tenant-1", "prod-guard", "default").
		WillReturnRows(policyRow(t, "pol-1", 1, contracts.PolicyDraft))

	changed := validDefinition()
	changed.DefaultAction = contracts.ActionMonitor
	_, err = s.Create(context.Background(), CreateInput{
		TenantID: "tenant-1", Name: "prod-guard", Namespace: "default", Definition: changed,
	})
	assert.ErrorIs(t, err, ErrChecksumConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateTransactional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM policies WHERE id = \\$1 AND tenant_id = \\$2 FOR UPDATE").
		WithArgs("pol-1", "tenant-1").
		WillReturnRows(policyRow(t, "pol-1", 1, contracts.PolicyDraft))
	mock.ExpectExec("INSERT INTO policy_versions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE policies SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	newDef := validDefinition()
	newDef.DefaultAction = contracts.ActionMonitor
	p, err := s.Update(context.Background(), "pol-1", "tenant-1", UpdateInput{
		Definition: &newDef, UpdatedBy: "ops", ChangeSummary: "monitor default",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, contracts.ActionMonitor, p.Definition.DefaultAction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateIdempotentSkipsWrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM policies WHERE id = \\$1 AND tenant_id = \\$2 FOR UPDATE").
		WithArgs("pol-1", "tenant-1").
		WillReturnRows(policyRow(t, "pol-1", 1, contracts.PolicyDraft))
	mock.ExpectRollback()

	def := validDefinition()
	p, err := s.Update(context.Background(), "pol-1", "tenant-1", UpdateInput{Definition: &def})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetPublishedPolicies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db)

	mock.ExpectQuery("SELECT (.+) FROM policies WHERE tenant_id = \\$1 AND namespace = \\$2 AND status = \\$3").
		WithArgs("tenant-1", "default", string(contracts.PolicyPublished)).
		WillReturnRows(policyRow(t, "pol-1", 3, contracts.PolicyPublished))

	out, err := s.GetPublishedPolicies(context.Background(), "tenant-1", "default")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
