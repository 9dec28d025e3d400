package session

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/denidin/denidin/pkg/clock"
	"github.com/denidin/denidin/pkg/tokens"
)

const testChat = "97250000001@c.us"

func newTestStore(t *testing.T, timeout time.Duration) (*Store, *clock.Frozen, string) {
	t.Helper()
	root := t.TempDir()
	clk := clock.NewFrozen(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := NewStore(root, timeout, tokens.Heuristic{}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, clk, root
}

func TestGetOrCreateReusesActiveSession(t *testing.T) {
	store, _, _ := newTestStore(t, 24*time.Hour)

	first, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected one session per chat, got %s and %s", first.ID, second.ID)
	}
	if store.IndexSize() != 1 {
		t.Errorf("index size = %d, want 1", store.IndexSize())
	}
}

func TestConcurrentGetOrCreateSingleWinner(t *testing.T) {
	store, _, _ := newTestStore(t, 24*time.Hour)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := store.GetOrCreate(testChat)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			ids[i] = sess.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent creation produced multiple sessions: %s vs %s", ids[0], ids[i])
		}
	}
}

func TestAppendOrderingAndAccounting(t *testing.T) {
	store, clk, _ := newTestStore(t, 24*time.Hour)

	inputs := []struct {
		role    string
		content string
	}{
		{"user", "hello there, what is the plan for today"},
		{"assistant", "we are going to review the quarterly report"},
		{"user", "sounds good, send me the numbers please"},
	}
	for _, in := range inputs {
		clk.Advance(time.Minute)
		if _, err := store.AppendMessage(testChat, in.role, in.content, "+97250000001", "DeniDin", ""); err != nil {
			t.Fatalf("AppendMessage(%q): %v", in.content, err)
		}
	}

	sess, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if sess.MessageCounter != len(inputs) {
		t.Errorf("message_counter = %d, want %d", sess.MessageCounter, len(inputs))
	}
	if len(sess.MessageIDs) != len(inputs) {
		t.Errorf("len(message_ids) = %d, want %d", len(sess.MessageIDs), len(inputs))
	}
	if !sess.LastActive.Equal(clk.Now()) {
		t.Errorf("last_active = %v, want %v", sess.LastActive, clk.Now())
	}

	recomputed, err := store.RecomputeTokens(sess)
	if err != nil {
		t.Fatalf("RecomputeTokens: %v", err)
	}
	if sess.TotalTokens != recomputed {
		t.Errorf("total_tokens = %d, recomputed = %d", sess.TotalTokens, recomputed)
	}

	turns, err := store.History(testChat)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != len(inputs) {
		t.Fatalf("len(history) = %d, want %d", len(turns), len(inputs))
	}
	for i, turn := range turns {
		if turn.Role != inputs[i].role || turn.Content != inputs[i].content {
			t.Errorf("turn %d = {%s %q}, want {%s %q}", i, turn.Role, turn.Content, inputs[i].role, inputs[i].content)
		}
	}

	msgs, err := store.MessagesOf(sess)
	if err != nil {
		t.Fatalf("MessagesOf: %v", err)
	}
	for i, m := range msgs {
		if m.Sequence != i+1 {
			t.Errorf("message %d sequence = %d, want %d", i, m.Sequence, i+1)
		}
	}
}

func TestRestartRoundTrip(t *testing.T) {
	store, clk, root := newTestStore(t, 24*time.Hour)

	if _, err := store.AppendMessage(testChat, "user", "remember this across restarts", "+97250000001", "DeniDin", ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	before, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// Simulate a restart: a new store over the same root starts with an
	// empty index and finds the session as an orphan.
	reopened, err := NewStore(root, 24*time.Hour, tokens.Heuristic{}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	orphans := reopened.OrphanSessions()
	if len(orphans) != 1 {
		t.Fatalf("len(orphans) = %d, want 1", len(orphans))
	}
	if orphans[0].ID != before.ID {
		t.Errorf("orphan id = %s, want %s", orphans[0].ID, before.ID)
	}
	if !reopened.Adopt(orphans[0]) {
		t.Fatal("Adopt returned false for an unindexed chat")
	}

	after, err := reopened.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate after restart: %v", err)
	}
	if after.ID != before.ID {
		t.Errorf("session id changed across restart: %s -> %s", before.ID, after.ID)
	}

	turns, err := reopened.History(testChat)
	if err != nil {
		t.Fatalf("History after restart: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "remember this across restarts" {
		t.Errorf("history after restart = %+v", turns)
	}
}

func TestTokenBudgetEviction(t *testing.T) {
	store, _, _ := newTestStore(t, 24*time.Hour)

	// Heuristic counts len/4, so each message below costs 10 tokens.
	long := "0123456789012345678901234567890123456789"
	limit := 25 // fits two messages, not three

	for i := 0; i < 3; i++ {
		if _, err := store.AppendWithTokenLimit(testChat, "user", long, limit, "+97250000001", "DeniDin", ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	sess, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if len(sess.MessageIDs) != 2 {
		t.Errorf("messages present = %d, want 2 after eviction", len(sess.MessageIDs))
	}
	// The counter tracks lifetime appends and never decrements on eviction.
	if sess.MessageCounter != 3 {
		t.Errorf("message_counter = %d, want 3", sess.MessageCounter)
	}
	if sess.TotalTokens != 20 {
		t.Errorf("total_tokens = %d, want 20", sess.TotalTokens)
	}

	recomputed, err := store.RecomputeTokens(sess)
	if err != nil {
		t.Fatalf("RecomputeTokens: %v", err)
	}
	if sess.TotalTokens != recomputed {
		t.Errorf("total_tokens = %d, recomputed = %d", sess.TotalTokens, recomputed)
	}

	// Evicted message files are gone from disk.
	msgs, err := store.MessagesOf(sess)
	if err != nil {
		t.Fatalf("MessagesOf: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("readable messages = %d, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Sequence < 2 {
			t.Errorf("oldest message (sequence %d) should have been evicted", m.Sequence)
		}
	}
}

func TestOversizedMessageIsRejectedWithoutMutation(t *testing.T) {
	store, _, _ := newTestStore(t, 24*time.Hour)

	// 4000 chars = 1000 heuristic tokens, ten times the limit. Evicting the
	// whole history could never make it fit, so the append must fail.
	huge := strings.Repeat("x", 4000)
	if _, err := store.AppendWithTokenLimit(testChat, "user", huge, 100, "+97250000001", "DeniDin", ""); err != ErrMessageTooLarge {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
	if store.IndexSize() != 0 {
		t.Errorf("index size = %d, want 0 after rejected append", store.IndexSize())
	}

	// With history present, the rejection must leave it untouched.
	if _, err := store.AppendWithTokenLimit(testChat, "user", "small message here", 100, "+97250000001", "DeniDin", ""); err != nil {
		t.Fatalf("AppendWithTokenLimit: %v", err)
	}
	before, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, err := store.AppendWithTokenLimit(testChat, "user", huge, 100, "+97250000001", "DeniDin", ""); err != ErrMessageTooLarge {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}

	after, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if after.MessageCounter != before.MessageCounter || after.TotalTokens != before.TotalTokens {
		t.Errorf("session mutated by rejected append: %+v vs %+v", after, before)
	}
	if after.TotalTokens > 100 {
		t.Errorf("total_tokens = %d exceeds the limit of 100", after.TotalTokens)
	}
	if len(after.MessageIDs) != 1 {
		t.Errorf("messages present = %d, want 1", len(after.MessageIDs))
	}
}

func TestZeroTokenLimitIsForbidden(t *testing.T) {
	store, _, _ := newTestStore(t, 24*time.Hour)

	if _, err := store.AppendWithTokenLimit(testChat, "user", "hi", 0, "+97250000001", "DeniDin", ""); err != ErrForbidden {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	// The rejection must not have created any session.
	if store.IndexSize() != 0 {
		t.Errorf("index size = %d, want 0 after forbidden append", store.IndexSize())
	}
}

func TestExpiryBoundary(t *testing.T) {
	timeout := 24 * time.Hour
	store, clk, _ := newTestStore(t, timeout)

	sess, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	clk.Advance(timeout - time.Second)
	if store.IsExpired(sess) {
		t.Error("session expired before the timeout elapsed")
	}

	clk.Advance(time.Second)
	if !store.IsExpired(sess) {
		t.Error("session not expired exactly at the timeout boundary")
	}
}

func TestClearResetsSession(t *testing.T) {
	store, _, _ := newTestStore(t, 24*time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := store.AppendMessage(testChat, "user", "some text here", "+97250000001", "DeniDin", ""); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	if err := store.Clear(testChat); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	sess, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if len(sess.MessageIDs) != 0 || sess.MessageCounter != 0 || sess.TotalTokens != 0 {
		t.Errorf("after clear: ids=%d counter=%d tokens=%d, want all zero",
			len(sess.MessageIDs), sess.MessageCounter, sess.TotalTokens)
	}
}

func TestArchiveMovesAndIsIdempotent(t *testing.T) {
	store, clk, root := newTestStore(t, time.Hour)

	sess, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := store.AppendMessage(testChat, "user", "archived content", "+97250000001", "DeniDin", ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	sess, _ = store.GetOrCreate(testChat)

	clk.Advance(2 * time.Hour)
	if !store.Archive(sess) {
		t.Fatal("Archive returned false")
	}
	if !sess.Archived() {
		t.Errorf("session not marked archived, storage_path = %q", sess.StoragePath)
	}

	wantPath := filepath.Join("expired", sess.LastActive.UTC().Format("2006-01-02"), sess.ID)
	if sess.StoragePath != wantPath {
		t.Errorf("storage_path = %q, want %q", sess.StoragePath, wantPath)
	}
	if _, err := loadSession(filepath.Join(root, wantPath)); err != nil {
		t.Errorf("archived session not readable at new location: %v", err)
	}

	// Archiving again is a no-op success.
	if !store.Archive(sess) {
		t.Error("second Archive returned false")
	}

	// The index entry survives archiving so transfer can find the session.
	if id, ok := store.IndexedSessionID(testChat); !ok || id != sess.ID {
		t.Errorf("index entry lost after archive: id=%q ok=%v", id, ok)
	}

	// History still reads through the archived storage path.
	turns, err := store.HistoryOf(sess)
	if err != nil {
		t.Fatalf("HistoryOf archived: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "archived content" {
		t.Errorf("archived history = %+v", turns)
	}
}

func TestSessionsNeedingCleanup(t *testing.T) {
	store, clk, _ := newTestStore(t, time.Hour)

	// Expired active session.
	expired, err := store.GetOrCreate("expired@c.us")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	clk.Advance(2 * time.Hour)

	// Fresh session, not a candidate.
	if _, err := store.GetOrCreate("fresh@c.us"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	candidates := store.SessionsNeedingCleanup()
	if len(candidates) != 1 || candidates[0].ID != expired.ID {
		t.Fatalf("candidates = %+v, want just the expired session", ids(candidates))
	}

	// Archived but untransferred: still a candidate.
	if !store.Archive(expired) {
		t.Fatal("Archive failed")
	}
	candidates = store.SessionsNeedingCleanup()
	if len(candidates) != 1 || candidates[0].ID != expired.ID {
		t.Fatalf("archived untransferred not a candidate: %+v", ids(candidates))
	}

	// Transferred but still indexed: remains a candidate until de-indexed.
	if err := store.MarkTransferred(candidates[0]); err != nil {
		t.Fatalf("MarkTransferred: %v", err)
	}
	candidates = store.SessionsNeedingCleanup()
	if len(candidates) != 1 {
		t.Fatalf("transferred-but-indexed not a candidate: %+v", ids(candidates))
	}

	// Fully finished: transferred and de-indexed.
	if !store.RemoveFromIndex(candidates[0]) {
		t.Fatal("RemoveFromIndex returned false")
	}
	if candidates = store.SessionsNeedingCleanup(); len(candidates) != 0 {
		t.Fatalf("finished session still a candidate: %+v", ids(candidates))
	}
}

func TestAppendAfterDeindexMintsFreshSession(t *testing.T) {
	store, clk, _ := newTestStore(t, time.Hour)

	old, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	clk.Advance(2 * time.Hour)
	if !store.Archive(old) {
		t.Fatal("Archive failed")
	}
	store.RemoveFromIndex(old)

	if _, err := store.AppendMessage(testChat, "user", "new conversation", "+97250000001", "DeniDin", ""); err != nil {
		t.Fatalf("AppendMessage after cleanup: %v", err)
	}
	fresh, err := store.GetOrCreate(testChat)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if fresh.ID == old.ID {
		t.Error("append after de-index reused the archived session")
	}
	if fresh.MessageCounter != 1 {
		t.Errorf("fresh session counter = %d, want 1", fresh.MessageCounter)
	}
}

func ids(sessions []*Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
