package janitor

import (
	"errors"
	"testing"
	"time"

	"msgsync/pkg/config"
	"msgsync/pkg/models"
	"msgsync/pkg/store"
)

func testEff(t *testing.T, jan config.JanitorConfig) config.EffectiveConfigResult {
	t.Helper()
	cfg := &config.Config{}
	cfg.Janitor = jan
	return config.EffectiveConfigResult{Config: cfg, DBPath: t.TempDir()}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunImmediateSweepsOrphanedQueueRows(t *testing.T) {
	st := openStore(t)

	// a healthy pending send must survive the sweep
	keep := &models.Message{
		CorrelationID:  "m-keep",
		ConversationID: "c1",
		SenderID:       "alice",
		Body:           "queued",
		ClientTS:       time.Now().UTC().UnixNano(),
		Status:         models.StatusSending,
	}
	if err := st.PutPending(keep); err != nil {
		t.Fatalf("put pending: %v", err)
	}

	// a queue row whose message is already confirmed is an orphan
	conf := &models.Message{
		CorrelationID:  "m-conf",
		ConversationID: "c1",
		SenderID:       "alice",
		Body:           "late ack",
		ClientTS:       time.Now().UTC().UnixNano(),
		Status:         models.StatusSending,
	}
	if err := st.PutPending(conf); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	if _, _, err := st.Confirm("c1", "m-conf", "srv-1", 100); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	// requeue re-creates the row, mimicking a crash that left it behind
	if err := st.RequeuePending("c1", "m-conf"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	SetRunDeps(testEff(t, config.JanitorConfig{Enabled: true, FailedRetention: config.Duration(time.Hour)}), st)
	if err := RunImmediate(); err != nil {
		t.Fatalf("run immediate: %v", err)
	}

	pend, err := st.PendingCorrIDs("c1")
	if err != nil {
		t.Fatalf("pending corr ids: %v", err)
	}
	if len(pend) != 1 || pend[0] != "m-keep" {
		t.Fatalf("expected only the healthy row to survive, got %v", pend)
	}
	// the confirmed message itself is untouched
	if _, err := st.Get("c1", "m-conf"); err != nil {
		t.Fatalf("confirmed row lost: %v", err)
	}
}

func TestRunImmediatePurgesExpiredFailed(t *testing.T) {
	st := openStore(t)
	if err := st.UpsertConversation(&models.Conversation{ID: "c1", Kind: models.KindDirect, ParticipantIDs: []string{"alice", "bob"}}); err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}

	old := &models.Message{
		CorrelationID:  "m-old",
		ConversationID: "c1",
		SenderID:       "alice",
		Body:           "gave up long ago",
		ClientTS:       time.Now().Add(-48 * time.Hour).UTC().UnixNano(),
		Status:         models.StatusFailed,
		LastAttemptTS:  time.Now().Add(-48 * time.Hour).UTC().UnixNano(),
	}
	if err := st.PutPending(old); err != nil {
		t.Fatalf("put old: %v", err)
	}
	if err := st.DropPending("c1", "m-old"); err != nil {
		t.Fatalf("drop pending: %v", err)
	}

	fresh := &models.Message{
		CorrelationID:  "m-fresh",
		ConversationID: "c1",
		SenderID:       "alice",
		Body:           "still retryable",
		ClientTS:       time.Now().UTC().UnixNano(),
		Status:         models.StatusFailed,
		LastAttemptTS:  time.Now().UTC().UnixNano(),
	}
	if err := st.PutPending(fresh); err != nil {
		t.Fatalf("put fresh: %v", err)
	}
	if err := st.DropPending("c1", "m-fresh"); err != nil {
		t.Fatalf("drop pending: %v", err)
	}

	SetRunDeps(testEff(t, config.JanitorConfig{Enabled: true, FailedRetention: config.Duration(24 * time.Hour)}), st)
	if err := RunImmediate(); err != nil {
		t.Fatalf("run immediate: %v", err)
	}

	if _, err := st.Get("c1", "m-old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired failed message not purged: %v", err)
	}
	if _, err := st.Get("c1", "m-fresh"); err != nil {
		t.Fatalf("fresh failed message purged early: %v", err)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	st := openStore(t)
	if err := st.UpsertConversation(&models.Conversation{ID: "c1", Kind: models.KindDirect, ParticipantIDs: []string{"alice", "bob"}}); err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}

	old := &models.Message{
		CorrelationID:  "m-old",
		ConversationID: "c1",
		SenderID:       "alice",
		Body:           "would be purged",
		ClientTS:       1000,
		Status:         models.StatusFailed,
		LastAttemptTS:  1000,
	}
	if err := st.PutPending(old); err != nil {
		t.Fatalf("put old: %v", err)
	}

	SetRunDeps(testEff(t, config.JanitorConfig{
		Enabled:         true,
		FailedRetention: config.Duration(time.Hour),
		DryRun:          true,
	}), st)
	if err := RunImmediate(); err != nil {
		t.Fatalf("run immediate: %v", err)
	}

	if _, err := st.Get("c1", "m-old"); err != nil {
		t.Fatalf("dry run deleted a row: %v", err)
	}
	pend, _ := st.PendingCorrIDs("c1")
	if len(pend) != 1 {
		t.Fatalf("dry run touched the queue: %v", pend)
	}
}
