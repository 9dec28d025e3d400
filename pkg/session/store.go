package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/denidin/denidin/pkg/clock"
	"github.com/denidin/denidin/pkg/tokens"
)

// Store is the durable conversation repository. The chat → session index is
// guarded by mu; appends to one session serialise on a per-session lock so
// counter increments and file writes land together.
type Store struct {
	root    string
	timeout time.Duration
	counter tokens.Counter
	clk     clock.Clock
	log     zerolog.Logger

	mu    sync.RWMutex
	index map[string]string // chat_id -> session_id

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // session_id -> append/archive lock
}

// NewStore creates a store rooted at root. The index starts empty; the
// lifecycle worker's startup sweep adopts any sessions already on disk.
func NewStore(root string, timeout time.Duration, counter tokens.Counter, clk clock.Clock, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	return &Store{
		root:    root,
		timeout: timeout,
		counter: counter,
		clk:     clk,
		log:     log.With().Str("component", "session_store").Logger(),
		index:   make(map[string]string),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) dirOf(sess *Session) string {
	return filepath.Join(s.root, sess.StoragePath)
}

func (s *Store) messagePath(sess *Session, messageID string) string {
	return filepath.Join(s.dirOf(sess), messagesDir, messageID+".json")
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lk, ok := s.locks[sessionID]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[sessionID] = lk
	}
	return lk
}

// GetOrCreate returns the active session for a chat, creating one if none is
// indexed. Concurrent creations resolve to a single winner.
func (s *Store) GetOrCreate(chatID string) (*Session, error) {
	s.mu.RLock()
	id, ok := s.index[chatID]
	s.mu.RUnlock()
	if ok {
		sess, err := loadSession(filepath.Join(s.root, id))
		if err == nil {
			return sess, nil
		}
		s.log.Warn().Str("chat_id", chatID).Str("session_id", id).Err(err).
			Msg("indexed session unreadable, minting a fresh one")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check: another goroutine may have won the creation race.
	if id, ok := s.index[chatID]; ok {
		if sess, err := loadSession(filepath.Join(s.root, id)); err == nil {
			return sess, nil
		}
	}

	now := s.clk.Now()
	sess := &Session{
		ID:          clock.NewID(),
		ChatID:      chatID,
		CreatedAt:   now,
		LastActive:  now,
		MessageIDs:  []string{},
	}
	sess.StoragePath = sess.ID

	dir := s.dirOf(sess)
	if err := os.MkdirAll(filepath.Join(dir, messagesDir), 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, sessionFile), sess); err != nil {
		return nil, fmt.Errorf("persist new session: %w", err)
	}

	s.index[chatID] = sess.ID
	s.log.Debug().Str("chat_id", chatID).Str("session_id", sess.ID).Msg("session created")
	return sess, nil
}

// AppendMessage persists a message and updates the session metadata. The
// message file is written before the session file, so a crash mid-append
// never leaves a dangling reference.
func (s *Store) AppendMessage(chatID, role, content, sender, recipient, attachment string) (string, error) {
	return s.append(chatID, role, content, sender, recipient, attachment, -1)
}

// AppendWithTokenLimit appends like AppendMessage but first evicts oldest
// messages while the running total would exceed roleLimit. A roleLimit of
// zero fails with ErrForbidden, a message too large to ever fit fails with
// ErrMessageTooLarge; both without mutation.
func (s *Store) AppendWithTokenLimit(chatID, role, content string, roleLimit int, sender, recipient, attachment string) (string, error) {
	if roleLimit == 0 {
		return "", ErrForbidden
	}
	if roleLimit > 0 && s.counter.Count(content) > roleLimit {
		return "", ErrMessageTooLarge
	}
	return s.append(chatID, role, content, sender, recipient, attachment, roleLimit)
}

// append implements both append variants. limit < 0 means unlimited.
// If the session is archived between resolution and locking, the index has
// already moved on and one more attempt lands in a fresh session.
func (s *Store) append(chatID, role, content, sender, recipient, attachment string, limit int) (string, error) {
	var sess *Session
	for attempt := 0; ; attempt++ {
		resolved, err := s.GetOrCreate(chatID)
		if err != nil {
			return "", err
		}

		lk := s.sessionLock(resolved.ID)
		lk.Lock()

		// Reload under the lock; disk is authoritative.
		sess, err = loadSession(filepath.Join(s.root, resolved.StoragePath))
		if err != nil {
			lk.Unlock()
			if err == ErrSessionNotFound && attempt == 0 {
				continue
			}
			return "", err
		}
		defer lk.Unlock()
		break
	}

	newTokens := s.counter.Count(content)

	if limit > 0 {
		for len(sess.MessageIDs) > 0 && sess.TotalTokens+newTokens > limit {
			if err := s.evictOldest(sess); err != nil {
				return "", err
			}
		}
	}

	now := s.clk.Now()
	msg := &Message{
		ID:         clock.NewID(),
		SessionID:  sess.ID,
		Role:       role,
		Content:    content,
		Sender:     sender,
		Recipient:  recipient,
		CreatedAt:  now,
		Sequence:   sess.MessageCounter + 1,
		Tokens:     newTokens,
		Attachment: attachment,
	}

	if err := writeMessage(s.messagePath(sess, msg.ID), msg); err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}

	sess.MessageCounter++
	sess.MessageIDs = append(sess.MessageIDs, msg.ID)
	sess.LastActive = now
	sess.TotalTokens += newTokens

	if err := writeJSONAtomic(filepath.Join(s.dirOf(sess), sessionFile), sess); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}
	return msg.ID, nil
}

// evictOldest removes the oldest message file and subtracts its tokens.
func (s *Store) evictOldest(sess *Session) error {
	oldestID := sess.MessageIDs[0]
	path := s.messagePath(sess, oldestID)

	msg, err := loadMessage(path)
	if err == nil {
		sess.TotalTokens -= msg.Tokens
		if sess.TotalTokens < 0 {
			sess.TotalTokens = 0
		}
	} else {
		s.log.Warn().Str("session_id", sess.ID).Str("message_id", oldestID).Err(err).
			Msg("evicting message with unreadable file")
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pruned message: %w", err)
	}
	sess.MessageIDs = sess.MessageIDs[1:]
	return nil
}

// History returns the ordered turn sequence of the chat's active session,
// read from disk per call.
func (s *Store) History(chatID string) ([]Turn, error) {
	sess, err := s.resolve(chatID)
	if err != nil {
		return nil, err
	}
	return s.HistoryOf(sess)
}

// HistoryOf returns the ordered turns of the given session, wherever its
// storage path points (active or archived).
func (s *Store) HistoryOf(sess *Session) ([]Turn, error) {
	msgs, err := s.MessagesOf(sess)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

// MessagesOf loads the session's currently-present messages in order.
// Missing message files are logged and skipped.
func (s *Store) MessagesOf(sess *Session) ([]*Message, error) {
	msgs := make([]*Message, 0, len(sess.MessageIDs))
	for _, id := range sess.MessageIDs {
		m, err := loadMessage(s.messagePath(sess, id))
		if err != nil {
			s.log.Warn().Str("session_id", sess.ID).Str("message_id", id).Err(err).
				Msg("skipping unreadable message")
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Clear wipes all messages of the chat's active session and resets counters
// and tokens. The session itself remains.
func (s *Store) Clear(chatID string) error {
	sess, err := s.resolve(chatID)
	if err != nil {
		return err
	}

	lk := s.sessionLock(sess.ID)
	lk.Lock()
	defer lk.Unlock()

	sess, err = loadSession(s.dirOf(sess))
	if err != nil {
		return err
	}

	for _, id := range sess.MessageIDs {
		if err := os.Remove(s.messagePath(sess, id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove message: %w", err)
		}
	}

	sess.MessageIDs = []string{}
	sess.MessageCounter = 0
	sess.TotalTokens = 0
	sess.LastActive = s.clk.Now()
	return writeJSONAtomic(filepath.Join(s.dirOf(sess), sessionFile), sess)
}

// IsExpired reports whether the session has been idle for at least the
// configured timeout. Exactly at the boundary counts as expired.
func (s *Store) IsExpired(sess *Session) bool {
	return s.clk.Now().Sub(sess.LastActive) >= s.timeout
}

// ExpiredActiveSessions returns every active session whose last_active is
// older than the timeout.
func (s *Store) ExpiredActiveSessions() []*Session {
	var out []*Session
	for _, sess := range s.scanActive() {
		if s.IsExpired(sess) {
			out = append(out, sess)
		}
	}
	return out
}

// UntransferredArchivedSessions returns every archived session whose
// transfer flag is still false.
func (s *Store) UntransferredArchivedSessions() []*Session {
	var out []*Session
	for _, sess := range s.scanArchived() {
		if !sess.TransferredToLongTerm {
			out = append(out, sess)
		}
	}
	return out
}

// SessionsNeedingCleanup returns the cleanup worker's candidates: expired
// active sessions, untransferred archived sessions, and archived sessions
// that completed transfer but are somehow still indexed.
func (s *Store) SessionsNeedingCleanup() []*Session {
	seen := make(map[string]bool)
	var out []*Session

	for _, sess := range s.ExpiredActiveSessions() {
		if !seen[sess.ID] {
			seen[sess.ID] = true
			out = append(out, sess)
		}
	}
	for _, sess := range s.scanArchived() {
		if seen[sess.ID] {
			continue
		}
		stillIndexed := false
		s.mu.RLock()
		if id, ok := s.index[sess.ChatID]; ok && id == sess.ID {
			stillIndexed = true
		}
		s.mu.RUnlock()
		if !sess.TransferredToLongTerm || stillIndexed {
			seen[sess.ID] = true
			out = append(out, sess)
		}
	}
	return out
}

// Archive moves the session directory to expired/<date>/<id>, where the date
// derives from last_active, and persists the updated storage path. The chat
// index entry is kept so transfer can still locate the session. A failed
// rename leaves the session in place and reports false.
func (s *Store) Archive(sess *Session) bool {
	lk := s.sessionLock(sess.ID)
	lk.Lock()
	defer lk.Unlock()

	if sess.Archived() {
		return true
	}

	src := s.dirOf(sess)
	rel := filepath.Join(expiredDir, sess.LastActive.UTC().Format(archiveDate), sess.ID)
	dst := filepath.Join(s.root, rel)

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		s.log.Error().Str("session_id", sess.ID).Err(err).Msg("archive: create date dir failed")
		return false
	}
	if err := os.Rename(src, dst); err != nil {
		s.log.Error().Str("session_id", sess.ID).Err(err).Msg("archive: rename failed")
		return false
	}

	sess.StoragePath = rel
	if err := writeJSONAtomic(filepath.Join(dst, sessionFile), sess); err != nil {
		s.log.Error().Str("session_id", sess.ID).Err(err).Msg("archive: persist failed")
		return false
	}
	return true
}

// RemoveFromIndex drops the chat → session mapping if it still points at
// this session. Subsequent GetOrCreate calls mint a fresh session.
func (s *Store) RemoveFromIndex(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.index[sess.ChatID]; ok && id == sess.ID {
		delete(s.index, sess.ChatID)
		return true
	}
	return false
}

// MarkTransferred sets the transfer flag and persists the session.
func (s *Store) MarkTransferred(sess *Session) error {
	sess.TransferredToLongTerm = true
	return writeJSONAtomic(filepath.Join(s.dirOf(sess), sessionFile), sess)
}

// OrphanSessions enumerates session directories under the active root that
// have no index entry. Used only by the startup sweep.
func (s *Store) OrphanSessions() []*Session {
	var out []*Session
	for _, sess := range s.scanActive() {
		s.mu.RLock()
		id, ok := s.index[sess.ChatID]
		s.mu.RUnlock()
		if !ok || id != sess.ID {
			out = append(out, sess)
		}
	}
	return out
}

// Adopt inserts an orphan session into the index. Reports false if the chat
// already has an active session.
func (s *Store) Adopt(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[sess.ChatID]; exists {
		return false
	}
	s.index[sess.ChatID] = sess.ID
	return true
}

// IndexedSessionID returns the session id currently indexed for a chat.
func (s *Store) IndexedSessionID(chatID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.index[chatID]
	return id, ok
}

// IndexSize returns the number of indexed chats.
func (s *Store) IndexSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// RecomputeTokens recounts every present message's content from scratch.
// Used by tests to verify the incremental total.
func (s *Store) RecomputeTokens(sess *Session) (int, error) {
	msgs, err := s.MessagesOf(sess)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range msgs {
		total += s.counter.Count(m.Content)
	}
	return total, nil
}

func (s *Store) resolve(chatID string) (*Session, error) {
	s.mu.RLock()
	id, ok := s.index[chatID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return loadSession(filepath.Join(s.root, id))
}

// scanActive loads every session directory under the active root. Unreadable
// directories are logged and skipped, not fatal.
func (s *Store) scanActive() []*Session {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.log.Warn().Err(err).Msg("scan active root failed")
		return nil
	}

	var out []*Session
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == expiredDir {
			continue
		}
		sess, err := loadSession(filepath.Join(s.root, entry.Name()))
		if err != nil {
			s.log.Warn().Str("dir", entry.Name()).Err(err).Msg("skipping unreadable session dir")
			continue
		}
		sess.StoragePath = entry.Name()
		out = append(out, sess)
	}
	return out
}

// scanArchived loads every session under expired/<date>/<id>, normalising
// storage paths to the actual location.
func (s *Store) scanArchived() []*Session {
	archiveRoot := filepath.Join(s.root, expiredDir)
	dates, err := os.ReadDir(archiveRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Msg("scan archive root failed")
		}
		return nil
	}

	var out []*Session
	for _, dateEntry := range dates {
		if !dateEntry.IsDir() {
			continue
		}
		ids, err := os.ReadDir(filepath.Join(archiveRoot, dateEntry.Name()))
		if err != nil {
			continue
		}
		for _, idEntry := range ids {
			if !idEntry.IsDir() {
				continue
			}
			rel := filepath.Join(expiredDir, dateEntry.Name(), idEntry.Name())
			sess, err := loadSession(filepath.Join(s.root, rel))
			if err != nil {
				s.log.Warn().Str("dir", rel).Err(err).Msg("skipping unreadable archived session")
				continue
			}
			sess.StoragePath = rel
			out = append(out, sess)
		}
	}
	return out
}
