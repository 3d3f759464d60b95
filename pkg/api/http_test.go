package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"msgsync/pkg/engine"
	"msgsync/pkg/models"
	"msgsync/pkg/presence"
	"msgsync/pkg/remote"
	"msgsync/pkg/store"
)

// setupServer wires a real store and engine behind the router. The
// remote is the offline stub, so sends queue locally.
func setupServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	eng, err := engine.New(st, remote.Offline{}, engine.Session{UserID: "alice", DeviceID: "dev1"}, engine.Config{
		RetryMaxAttempts: 2,
		RetryBaseBackoff: time.Millisecond,
		RetryMaxBackoff:  4 * time.Millisecond,
		ResyncGap:        time.Hour,
		DedupCacheSize:   64,
		RequestTimeout:   time.Second,
		DispatchRPS:      1000,
		DispatchBurst:    100,
		MaxBodyBytes:     1024,
	}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	eng.OnConnectivityChange(false)

	pres := presence.NewChannel("alice", time.Minute, time.Hour, time.Hour, nil)
	srv := httptest.NewServer(NewRouter(Deps{Engine: eng, Store: st, Presence: pres, Version: "test"}))
	t.Cleanup(func() {
		srv.Close()
		eng.Close()
		_ = st.Close()
	})
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return res
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := setupServer(t)

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", res.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if out["version"] != "test" {
		t.Fatalf("version missing: %v", out)
	}

	res2, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d", res2.StatusCode)
	}
}

func TestOpenSendList(t *testing.T) {
	srv, st := setupServer(t)

	res := postJSON(t, srv.URL+"/v1/conversations", map[string]any{
		"id":           "c1",
		"kind":         "direct",
		"participants": []string{"alice", "bob"},
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open conversation status %d", res.StatusCode)
	}

	res = postJSON(t, srv.URL+"/v1/conversations/c1/messages", map[string]string{"body": "hello"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("send status %d, want 202", res.StatusCode)
	}
	var sent models.Message
	if err := json.NewDecoder(res.Body).Decode(&sent); err != nil {
		t.Fatalf("decode send response: %v", err)
	}
	if sent.CorrelationID == "" || sent.Status != models.StatusSending {
		t.Fatalf("unexpected send response: %+v", sent)
	}

	// the accepted message is already durable
	if _, err := st.Get("c1", sent.CorrelationID); err != nil {
		t.Fatalf("accepted message not durable: %v", err)
	}

	res, err := http.Get(srv.URL + "/v1/conversations/c1/messages")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	defer res.Body.Close()
	var list struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Messages) != 1 || list.Messages[0].CorrelationID != sent.CorrelationID {
		t.Fatalf("unexpected list: %+v", list.Messages)
	}
}

func TestSendValidationErrors(t *testing.T) {
	srv, _ := setupServer(t)

	res := postJSON(t, srv.URL+"/v1/conversations/c1/messages", map[string]string{"body": ""})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status %d, want 400", res.StatusCode)
	}

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'a'
	}
	res = postJSON(t, srv.URL+"/v1/conversations/c1/messages", map[string]string{"body": string(big)})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized body status %d, want 400", res.StatusCode)
	}
}

func TestRetryEndpoints(t *testing.T) {
	srv, _ := setupServer(t)

	res := postJSON(t, srv.URL+"/v1/conversations/c1/messages/no-such/retry", nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown message retry status %d, want 404", res.StatusCode)
	}

	// a queued (not failed) message cannot be retried
	sres := postJSON(t, srv.URL+"/v1/conversations/c1/messages", map[string]string{"body": "queued"})
	var sent models.Message
	_ = json.NewDecoder(sres.Body).Decode(&sent)
	sres.Body.Close()

	res = postJSON(t, srv.URL+"/v1/conversations/c1/messages/"+sent.CorrelationID+"/retry", nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("non-failed retry status %d, want 409", res.StatusCode)
	}
}

func TestTypingEndpoints(t *testing.T) {
	srv, _ := setupServer(t)

	res := postJSON(t, srv.URL+"/v1/conversations/c1/typing", map[string]bool{"typing": true})
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("set typing status %d", res.StatusCode)
	}

	// the local user never shows up in their own indicator
	res, err := http.Get(srv.URL + "/v1/conversations/c1/typing")
	if err != nil {
		t.Fatalf("get typing: %v", err)
	}
	defer res.Body.Close()
	var out struct {
		Typing []string `json:"typing"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if len(out.Typing) != 0 {
		t.Fatalf("local user leaked into indicator: %v", out.Typing)
	}
}

func TestStatusSnapshot(t *testing.T) {
	srv, _ := setupServer(t)

	postJSON(t, srv.URL+"/v1/conversations", map[string]any{"id": "c1", "participants": []string{"alice", "bob"}}).Body.Close()
	postJSON(t, srv.URL+"/v1/conversations/c1/messages", map[string]string{"body": "queued"}).Body.Close()

	res, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer res.Body.Close()
	var snap engine.Snapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snap.Online {
		t.Fatalf("engine should report offline")
	}
	if len(snap.Conversations) != 1 || snap.Conversations[0].Pending != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap.Conversations)
	}
}
