package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/playtrade/marketchat/internal/metrics"
)

// TypingConfig holds typing indicator tuning parameters.
type TypingConfig struct {
	Quiet        time.Duration // quiet period after the last keystroke before "stopped typing" is sent
	RemoteExpiry time.Duration // how long a remote typing indicator stays valid without a refresh
}

// DefaultTypingConfig returns the documented production constants: one
// isTyping=true per 2s window, remote indicators expiring after 4s.
func DefaultTypingConfig() TypingConfig {
	return TypingConfig{
		Quiet:        2 * time.Second,
		RemoteExpiry: 4 * time.Second,
	}
}

// TypingCoordinator debounces the local user's typing broadcasts and tracks
// remote parties' typing state with automatic expiry. Rapid keystrokes
// produce exactly one outgoing isTyping=true per debounce window, followed by
// exactly one isTyping=false once the quiet period elapses. Remote indicators
// read as not-typing once expired even if the explicit stop event was lost.
type TypingCoordinator struct {
	mu       sync.Mutex
	cfg      TypingConfig
	emit     func(conversationID string, isTyping bool) // outgoing typing broadcast
	onChange func(conversationID string)                // remote typing state changed

	local  map[string]*localTyping
	remote map[string]map[string]*remoteTyping // conversationID -> userID -> state
}

type localTyping struct {
	active   bool
	deadline time.Time // quiet period ends here; quietElapsed re-checks it
	timer    *time.Timer
}

type remoteTyping struct {
	isTyping  bool
	expiresAt time.Time
	timer     *time.Timer
}

// NewTypingCoordinator creates a coordinator. The emit callback broadcasts
// the local user's typing state; onChange fires whenever a conversation's
// remote typing state changes (including expiry). Either may be nil.
func NewTypingCoordinator(cfg TypingConfig, emit func(conversationID string, isTyping bool), onChange func(conversationID string)) *TypingCoordinator {
	return &TypingCoordinator{
		cfg:      cfg,
		emit:     emit,
		onChange: onChange,
		local:    make(map[string]*localTyping),
		remote:   make(map[string]map[string]*remoteTyping),
	}
}

// NotifyLocal reports local input activity. isTyping=true on every keystroke;
// only the first keystroke of a burst emits a broadcast, later ones just
// extend the quiet timer. isTyping=false forces an immediate stop broadcast
// (used when a message is sent or the input loses focus).
func (tc *TypingCoordinator) NotifyLocal(conversationID string, isTyping bool) {
	tc.mu.Lock()
	lt, ok := tc.local[conversationID]
	if !ok {
		lt = &localTyping{}
		tc.local[conversationID] = lt
	}

	var broadcast *bool
	if isTyping {
		lt.deadline = time.Now().Add(tc.cfg.Quiet)
		if !lt.active {
			lt.active = true
			t := true
			broadcast = &t
			lt.timer = time.AfterFunc(tc.cfg.Quiet, func() {
				tc.quietElapsed(conversationID)
			})
		} else {
			lt.timer.Reset(tc.cfg.Quiet)
		}
	} else {
		if lt.active {
			lt.active = false
			lt.timer.Stop()
			f := false
			broadcast = &f
		}
	}
	tc.mu.Unlock()

	if broadcast != nil && tc.emit != nil {
		metrics.TypingEvents.WithLabelValues("sent").Inc()
		tc.emit(conversationID, *broadcast)
	}
}

// quietElapsed fires when the local user has been idle for the quiet period.
// A keystroke can race the timer firing: the timer goroutine may already be
// waiting on the mutex while NotifyLocal resets the timer and extends the
// deadline. Re-checking the deadline here keeps such a stale fire from
// emitting a stop broadcast mid-burst.
func (tc *TypingCoordinator) quietElapsed(conversationID string) {
	tc.mu.Lock()
	lt, ok := tc.local[conversationID]
	stop := ok && lt.active
	if stop {
		if now := time.Now(); now.Before(lt.deadline) {
			lt.timer.Reset(lt.deadline.Sub(now))
			stop = false
		} else {
			lt.active = false
		}
	}
	tc.mu.Unlock()

	if stop && tc.emit != nil {
		metrics.TypingEvents.WithLabelValues("sent").Inc()
		tc.emit(conversationID, false)
	}
}

// SetRemote records a remote party's typing event. A true indicator is valid
// for RemoteExpiry; a local timer flips it off if no refresh or explicit stop
// arrives in time.
func (tc *TypingCoordinator) SetRemote(conversationID, userID string, isTyping bool) {
	metrics.TypingEvents.WithLabelValues("received").Inc()

	now := time.Now()

	tc.mu.Lock()
	users, ok := tc.remote[conversationID]
	if !ok {
		users = make(map[string]*remoteTyping)
		tc.remote[conversationID] = users
	}
	rt, ok := users[userID]
	if !ok {
		rt = &remoteTyping{}
		users[userID] = rt
	}
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
	rt.isTyping = isTyping
	if isTyping {
		rt.expiresAt = now.Add(tc.cfg.RemoteExpiry)
		rt.timer = time.AfterFunc(tc.cfg.RemoteExpiry, func() {
			tc.remoteExpired(conversationID, userID)
		})
	}
	tc.mu.Unlock()

	if tc.onChange != nil {
		tc.onChange(conversationID)
	}
}

// remoteExpired fires when a remote typing indicator's validity window ends.
func (tc *TypingCoordinator) remoteExpired(conversationID, userID string) {
	now := time.Now()

	tc.mu.Lock()
	changed := false
	if users, ok := tc.remote[conversationID]; ok {
		if rt, ok := users[userID]; ok && rt.isTyping && !now.Before(rt.expiresAt) {
			rt.isTyping = false
			rt.timer = nil
			changed = true
		}
	}
	tc.mu.Unlock()

	if changed && tc.onChange != nil {
		tc.onChange(conversationID)
	}
}

// RemoteTyping returns the user IDs currently typing in the conversation,
// sorted for stable rendering. Expired indicators read as not typing even if
// their timer has not fired yet.
func (tc *TypingCoordinator) RemoteTyping(conversationID string) []string {
	now := time.Now()

	tc.mu.Lock()
	defer tc.mu.Unlock()

	var out []string
	for userID, rt := range tc.remote[conversationID] {
		if rt.isTyping && now.Before(rt.expiresAt) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

// ClearConversation drops all typing state for a conversation. Called when
// the session leaves the room.
func (tc *TypingCoordinator) ClearConversation(conversationID string) {
	tc.mu.Lock()
	if lt, ok := tc.local[conversationID]; ok {
		if lt.timer != nil {
			lt.timer.Stop()
		}
		delete(tc.local, conversationID)
	}
	if users, ok := tc.remote[conversationID]; ok {
		for _, rt := range users {
			if rt.timer != nil {
				rt.timer.Stop()
			}
		}
		delete(tc.remote, conversationID)
	}
	tc.mu.Unlock()
}
