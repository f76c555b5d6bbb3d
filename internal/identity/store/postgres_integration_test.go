//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idrelay/internal/identity/models"
	"idrelay/internal/identity/store"
	"idrelay/pkg/testutil/containers"
)

type PostgresMirrorSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	mirror   *store.Postgres
}

func TestPostgresMirrorSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresMirrorSuite))
}

func (s *PostgresMirrorSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	mirror, err := store.NewPostgresFromPool(context.Background(), s.postgres.Pool)
	s.Require().NoError(err)
	s.mirror = mirror
}

func (s *PostgresMirrorSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(),
		"identity_records", "relay_counters"))
}

func testRecord(key, label string) models.IdentityRecord {
	return models.IdentityRecord{
		Key:          key,
		DisplayLabel: label,
		SearchKey:    models.NormalizeSearchKey(label),
		LastSeen:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

func (s *PostgresMirrorSuite) TestUpsertAndBulkLoad() {
	ctx := context.Background()
	s.Require().NoError(s.mirror.UpsertRecord(ctx, testRecord("pub1", "alice")))
	s.Require().NoError(s.mirror.UpsertRecord(ctx, testRecord("pub2", "bob")))

	// Upsert by key replaces, never duplicates.
	renamed := testRecord("pub1", "alicia")
	renamed.SecondaryKey = "enc1"
	s.Require().NoError(s.mirror.UpsertRecord(ctx, renamed))

	recs, err := s.mirror.BulkLoadRecords(ctx)
	s.Require().NoError(err)
	s.Require().Len(recs, 2)
	s.Equal("alicia", recs[0].SearchKey)
	s.Equal("enc1", recs[0].SecondaryKey)
	s.Equal("bob", recs[1].SearchKey)
}

func (s *PostgresMirrorSuite) TestUpsertTakesOverSearchKey() {
	ctx := context.Background()
	s.Require().NoError(s.mirror.UpsertRecord(ctx, testRecord("pubA", "bob")))

	// A different subject writing the same search key must not trip the
	// unique index; the displaced row goes away in the same transaction.
	s.Require().NoError(s.mirror.UpsertRecord(ctx, testRecord("pubB", "bob")))

	recs, err := s.mirror.BulkLoadRecords(ctx)
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal("pubB", recs[0].Key)
	s.Equal("bob", recs[0].SearchKey)
}

func (s *PostgresMirrorSuite) TestDeleteRecord() {
	ctx := context.Background()
	s.Require().NoError(s.mirror.UpsertRecord(ctx, testRecord("pub1", "alice")))
	s.Require().NoError(s.mirror.DeleteRecord(ctx, "pub1"))

	recs, err := s.mirror.BulkLoadRecords(ctx)
	s.Require().NoError(err)
	s.Empty(recs)
}

func (s *PostgresMirrorSuite) TestCounters() {
	ctx := context.Background()
	s.Require().NoError(s.mirror.UpsertCounter(ctx, "messagesSent", 5))
	s.Require().NoError(s.mirror.UpsertCounter(ctx, "messagesSent", 6))
	s.Require().NoError(s.mirror.UpsertCounter(ctx, "totalRecords", 2))

	counters, err := s.mirror.LoadCounters(ctx)
	s.Require().NoError(err)
	s.Equal(int64(6), counters["messagesSent"])
	s.Equal(int64(2), counters["totalRecords"])
}
