package progressor

import (
	"context"
	"testing"

	"msgsync/pkg/models"
	"msgsync/pkg/store"
)

func TestRunPersistsVersion(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	invoked, err := Run(context.Background(), st, "1.0.0")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !invoked {
		t.Fatalf("first run must invoke the migration")
	}
	v, err := st.GetSys("version")
	if err != nil || v != "1.0.0" {
		t.Fatalf("version not persisted: %q err=%v", v, err)
	}
	if m, _ := st.GetSys("migration_in_progress"); m != "" {
		t.Fatalf("in-progress marker left behind: %q", m)
	}

	// same version again is a no-op
	invoked, err = Run(context.Background(), st, "1.0.0")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if invoked {
		t.Fatalf("second run must be a no-op")
	}

	// a new version runs again
	invoked, err = Run(context.Background(), st, "1.1.0")
	if err != nil || !invoked {
		t.Fatalf("upgrade run: invoked=%v err=%v", invoked, err)
	}
}

func TestSyncRepairsCanonicalIndex(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	m := &models.Message{
		CorrelationID:  "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		Body:           "hello",
		ClientTS:       100,
		Status:         models.StatusSending,
	}
	if err := st.PutPending(m); err != nil {
		t.Fatalf("put pending: %v", err)
	}
	if _, _, err := st.Confirm("c1", "m1", "srv-1", 500); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if err := Sync(context.Background(), st, "", "1.0.0"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	ok, err := st.HasCanonical("srv-1")
	if err != nil || !ok {
		t.Fatalf("canonical index missing after sync: ok=%v err=%v", ok, err)
	}
}
