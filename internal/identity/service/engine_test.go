package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"idrelay/internal/feed"
	"idrelay/internal/identity/models"
	"idrelay/internal/identity/store"
	"idrelay/internal/notify"
	"idrelay/internal/platform/metrics"
	"idrelay/internal/search"
	dErrors "idrelay/pkg/domainerrors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type EngineSuite struct {
	suite.Suite
	records *store.InMemory
	mirror  *store.MirrorMemory
	wb      *store.WriteBehind
	source  *feed.Memory
	queues  *notify.Manager
	engine  *Engine
	clock   *fakeClock
	metrics *metrics.Metrics
	ctx     context.Context
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.metrics = metrics.NewWith(prometheus.NewRegistry())
	s.records = store.NewInMemory()
	s.mirror = store.NewMirrorMemory()
	s.wb = store.NewWriteBehind(s.mirror, 64, logger, s.metrics)
	s.source = feed.NewMemory()
	s.queues = notify.NewManager(100, s.metrics)
	s.clock = &fakeClock{t: time.Now()}
	s.ctx = context.Background()

	var err error
	s.engine, err = New(s.records, s.wb, s.mirror, s.source, s.queues,
		Config{
			LivenessWindow:   24 * time.Hour,
			SyncCooldown:     10 * time.Second,
			PointReadTimeout: 100 * time.Millisecond,
		},
		search.DefaultOptions(), logger, s.metrics, WithClock(s.clock.Now))
	s.Require().NoError(err)
}

// flushMirror drains the write-behind queue synchronously.
func (s *EngineSuite) flushMirror() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.wb.Run(ctx)
}

func (s *EngineSuite) feedEvent(subjectKey string, payload changePayload, eventTime time.Time) {
	value, err := json.Marshal(payload)
	s.Require().NoError(err)
	s.engine.handleFeedEvent(s.ctx, feed.Event{
		Key:       identityPrefix + "/" + subjectKey,
		Value:     value,
		EventTime: eventTime,
	})
}

func (s *EngineSuite) TestRegisterIsIdempotent() {
	first, err := s.engine.Register(s.ctx, "pub1", "bob")
	s.Require().NoError(err)
	s.Equal("bob", first.SearchKey)

	_, err = s.engine.Register(s.ctx, "pub1", "bob")
	s.Require().NoError(err)
	s.Equal(1, s.engine.RecordCount(), "re-registration must not duplicate")

	results := s.engine.Search("bob", 10)
	s.Require().NotEmpty(results)
	s.Equal("pub1", results[0].Record.Key)
}

func (s *EngineSuite) TestRegisterValidation() {
	_, err := s.engine.Register(s.ctx, "", "bob")
	s.Equal(dErrors.CodeBadRequest, dErrors.CodeOf(err))

	_, err = s.engine.Register(s.ctx, "pub1", "   ")
	s.Equal(dErrors.CodeBadRequest, dErrors.CodeOf(err))
	s.Equal(0, s.engine.RecordCount(), "rejected writes must not mutate state")
}

func (s *EngineSuite) TestRenamePreservesSecondaryKey() {
	s.feedEvent("pub1", changePayload{Label: "alice", SecondaryKey: "enc1"}, s.clock.Now())
	s.clock.Advance(11 * time.Second)
	s.feedEvent("pub1", changePayload{Label: "alicia"}, s.clock.Now())

	_, err := s.engine.Lookup("alice")
	s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err), "old search key must be gone")

	rec, err := s.engine.Lookup("alicia")
	s.Require().NoError(err)
	s.Equal("pub1", rec.Key)
	s.Equal("enc1", rec.SecondaryKey, "secondary key must survive the rename")
	s.Equal(1, s.engine.RecordCount())
}

func (s *EngineSuite) TestStaleEventCreatesNoRecord() {
	s.feedEvent("pub1", changePayload{Label: "ghost"}, s.clock.Now().Add(-25*time.Hour))
	s.Equal(0, s.engine.RecordCount())

	s.engine.handleFeedEvent(s.ctx, feed.Event{
		Key:   identityPrefix + "/pub2",
		Value: []byte(`{"label":"ghost2"}`),
	})
	s.Equal(0, s.engine.RecordCount(), "events without a timestamp are stale")
	s.Equal(float64(2), promtestutil.ToFloat64(s.metrics.EventsStale))
}

func (s *EngineSuite) TestCooldownCoalescesFeedEvents() {
	s.feedEvent("pub1", changePayload{Label: "bob"}, s.clock.Now())
	s.clock.Advance(2 * time.Second)
	s.feedEvent("pub1", changePayload{Label: "bobby"}, s.clock.Now())

	rec, err := s.engine.Lookup("bob")
	s.Require().NoError(err)
	s.Equal("bob", rec.SearchKey, "coalesced event must not change state")
	s.Equal(float64(1), promtestutil.ToFloat64(s.metrics.EventsCoalesced))
	s.Equal(float64(1), promtestutil.ToFloat64(s.metrics.IndexRebuilds),
		"only one downstream rebuild inside the cooldown window")

	s.flushMirror()
	s.Equal(1, s.mirror.UpsertCount(), "only one mirror write inside the cooldown window")

	// After the window the next event lands normally.
	s.clock.Advance(11 * time.Second)
	s.feedEvent("pub1", changePayload{Label: "bobby"}, s.clock.Now())
	_, err = s.engine.Lookup("bobby")
	s.NoError(err)
}

func (s *EngineSuite) TestAdminWriteBypassesCooldown() {
	s.feedEvent("pub1", changePayload{Label: "bob"}, s.clock.Now())
	s.clock.Advance(time.Second)

	_, err := s.engine.Register(s.ctx, "pub1", "robert")
	s.Require().NoError(err)

	rec, err := s.engine.Lookup("robert")
	s.Require().NoError(err)
	s.Equal("pub1", rec.Key, "admin writes apply immediately inside the cooldown")
}

func (s *EngineSuite) TestSecondaryKeyFetchedByPointRead() {
	s.source.Set("secondary_keys/pub1", []byte(`"enc9"`))
	s.feedEvent("pub1", changePayload{Label: "carol"}, s.clock.Now())

	rec, err := s.engine.Lookup("carol")
	s.Require().NoError(err)
	s.Equal("enc9", rec.SecondaryKey)
}

func (s *EngineSuite) TestSecondaryKeyTimeoutDoesNotBlock() {
	s.source.ReadDelay = time.Second // exceeds the 100ms point read timeout

	start := time.Now()
	s.feedEvent("pub1", changePayload{Label: "carol"}, s.clock.Now())
	s.Less(time.Since(start), 500*time.Millisecond, "ingestion must not wait past the timeout")

	rec, err := s.engine.Lookup("carol")
	s.Require().NoError(err)
	s.Empty(rec.SecondaryKey, "timeout resolves to no additional data")
}

func (s *EngineSuite) TestLateSecondaryKeyUpdatesInPlace() {
	s.feedEvent("pub1", changePayload{Label: "dave"}, s.clock.Now())
	s.clock.Advance(11 * time.Second)
	s.feedEvent("pub1", changePayload{SecondaryKey: "enc5"}, s.clock.Now())

	rec, err := s.engine.Lookup("dave")
	s.Require().NoError(err)
	s.Equal("enc5", rec.SecondaryKey)
	s.Equal(1, s.engine.RecordCount(), "late fields must not create a new subject")
}

func (s *EngineSuite) TestSearchExactPrecedence() {
	for key, label := range map[string]string{
		"pub1": "bob", "pub2": "bobby", "pub3": "bobbie",
	} {
		_, err := s.engine.Register(s.ctx, key, label)
		s.Require().NoError(err)
	}

	results := s.engine.Search("bob", 10)
	s.Require().NotEmpty(results)
	s.True(results[0].Exact)
	s.Equal("bob", results[0].Record.SearchKey)
	for _, r := range results[1:] {
		s.False(r.Exact)
		s.NotEqual("bob", r.Record.SearchKey, "exact match must not be duplicated")
	}
}

func (s *EngineSuite) TestInvalidateRemovesRecord() {
	_, err := s.engine.Register(s.ctx, "pub1", "bob")
	s.Require().NoError(err)

	s.Require().NoError(s.engine.Invalidate(s.ctx, "Bob"))
	_, err = s.engine.Lookup("bob")
	s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
	s.Empty(s.engine.Search("bob", 10))

	err = s.engine.Invalidate(s.ctx, "bob")
	s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
}

func (s *EngineSuite) TestSearchKeyTakeoverEvictsDisplacedSubject() {
	s.feedEvent("pubA", changePayload{Label: "bob", SecondaryKey: "encA"}, s.clock.Now())
	s.clock.Advance(11 * time.Second)

	_, err := s.engine.Register(s.ctx, "pubB", "bob")
	s.Require().NoError(err)

	rec, err := s.engine.Lookup("bob")
	s.Require().NoError(err)
	s.Equal("pubB", rec.Key, "last writer owns the contested search key")
	s.Equal(1, s.engine.RecordCount(), "displaced subject must be evicted, not duplicated")

	s.flushMirror()
	_, ok := s.mirror.Record("pubA")
	s.False(ok, "displaced subject's mirror row must be deleted")
	mirrored, ok := s.mirror.Record("pubB")
	s.Require().True(ok)
	s.Equal("bob", mirrored.SearchKey)

	// The displaced subject returns under a new label as a fresh record;
	// the current owner of the old key is untouched.
	s.clock.Advance(11 * time.Second)
	s.feedEvent("pubA", changePayload{Label: "bobby"}, s.clock.Now())

	rec, err = s.engine.Lookup("bob")
	s.Require().NoError(err)
	s.Equal("pubB", rec.Key, "returning subject must not delete the owner's live record")

	rec, err = s.engine.Lookup("bobby")
	s.Require().NoError(err)
	s.Equal("pubA", rec.Key)
	s.Empty(rec.SecondaryKey, "eviction discards state, nothing is carried over from the new owner")
	s.Equal(2, s.engine.RecordCount())
}

func (s *EngineSuite) TestSeedRestoresStoreAndIndex() {
	s.Require().NoError(s.mirror.UpsertRecord(s.ctx, models.IdentityRecord{
		Key: "pub1", DisplayLabel: "alice", SearchKey: "alice", LastSeen: s.clock.Now(),
	}))
	s.Require().NoError(s.mirror.UpsertRecord(s.ctx, models.IdentityRecord{
		Key: "pub2", DisplayLabel: "bob", SearchKey: "bob", LastSeen: s.clock.Now(),
	}))

	s.Require().NoError(s.engine.Seed(s.ctx))
	s.Equal(2, s.engine.RecordCount())

	results := s.engine.Search("alice", 10)
	s.Require().NotEmpty(results)
	s.Equal("pub1", results[0].Record.Key)
}

func (s *EngineSuite) TestAcceptedMutationEnqueuesNotification() {
	_, err := s.engine.Register(s.ctx, "pub1", "bob")
	s.Require().NoError(err)

	items := s.queues.Drain("pub1", 0)
	s.Require().Len(items, 1)
	s.Equal(notify.KindCacheUpdated, items[0].Kind)
}
