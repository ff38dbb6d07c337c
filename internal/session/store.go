package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyProcessing means a run is active on the session; the
	// caller should poll instead of resubmitting.
	ErrAlreadyProcessing = errors.New("session is already processing a request")

	// ErrNotFound means no session exists under the given id.
	ErrNotFound = errors.New("session not found")
)

// RunFunc drives one agent run to completion. It is invoked on its own
// goroutine; the session's processing flag is already set and is cleared
// when it returns.
type RunFunc func(ctx context.Context, sess *Session)

// Store owns all live sessions and launches runs against them.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	run         RunFunc
	baseCtx     context.Context
	maxSessions int
}

// NewStore builds a store. baseCtx bounds the lifetime of background
// runs; cancelling it stops new provider calls on the next loop
// iteration.
func NewStore(baseCtx context.Context, run RunFunc, maxSessions int) *Store {
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &Store{
		sessions:    make(map[string]*Session),
		run:         run,
		baseCtx:     baseCtx,
		maxSessions: maxSessions,
	}
}

// CreateOrGet resolves id to a session. An empty or unknown id yields a
// fresh session under a server-generated id; clients must adopt the id
// returned here.
func (s *Store) CreateOrGet(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if sess, ok := s.sessions[id]; ok {
			return sess
		}
	}
	s.evictIdleLocked()
	sess := newSession(uuid.NewString())
	s.sessions[sess.id] = sess
	return sess
}

// Get returns the session under id, or ErrNotFound.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// StartRun appends text as a user turn and launches the agent loop in the
// background. The user message is visible in the very next snapshot even
// if the loop has not been scheduled yet. Returns ErrAlreadyProcessing if
// a run is active.
func (s *Store) StartRun(id, text string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	if !sess.beginRun() {
		return ErrAlreadyProcessing
	}
	sess.AppendUser(text)
	go func() {
		defer sess.endRun()
		s.run(s.baseCtx, sess)
	}()
	return nil
}

// SnapshotSince reads the session log from offset since.
func (s *Store) SnapshotSince(id string, since int) (Snapshot, error) {
	sess, err := s.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return sess.SnapshotSince(since), nil
}

// SessionInfo is a listing entry for operational endpoints.
type SessionInfo struct {
	ChatID       string `json:"chat_id"`
	Messages     int    `json:"messages"`
	IsProcessing bool   `json:"is_processing"`
}

// List returns all live sessions ordered by id.
func (s *Store) List() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{
			ChatID:       sess.ID(),
			Messages:     sess.MessageCount(),
			IsProcessing: sess.IsProcessing(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// evictIdleLocked drops the longest-idle sessions until a new session
// fits under maxSessions. Sessions with an active run are never evicted.
func (s *Store) evictIdleLocked() {
	for len(s.sessions) >= s.maxSessions {
		var victim *Session
		for _, sess := range s.sessions {
			if sess.IsProcessing() {
				continue
			}
			if victim == nil || sess.lastActive().Before(victim.lastActive()) {
				victim = sess
			}
		}
		if victim == nil {
			return
		}
		delete(s.sessions, victim.id)
	}
}
