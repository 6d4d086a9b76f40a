// Command e2etest validates a running dev backend end to end through the
// synchronizer library: health check, session handshake, history backfill,
// socket delivery between two clients, typing indicators, the REST send
// fallback, and system-message authorization.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-ws ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/playtrade/marketchat/internal/chatsync"
	"github.com/playtrade/marketchat/internal/rest"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

type scenarioResult struct {
	name   string
	passed bool
	detail string
}

type runner struct {
	results []scenarioResult
}

func (r *runner) pass(name, detail string) {
	r.results = append(r.results, scenarioResult{name: name, passed: true, detail: detail})
	fmt.Printf("  PASS  %-32s %s\n", name, detail)
}

func (r *runner) fail(name, detail string) {
	r.results = append(r.results, scenarioResult{name: name, passed: false, detail: detail})
	fmt.Printf("  FAIL  %-32s %s\n", name, detail)
}

func (r *runner) failed() int {
	n := 0
	for _, res := range r.results {
		if !res.passed {
			n++
		}
	}
	return n
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return false
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	var (
		wsURL   = flag.String("ws", "ws://localhost:8080/ws", "WebSocket endpoint")
		apiURL  = flag.String("api", "http://localhost:8080", "REST API base URL")
		timeout = flag.Duration("timeout", 60*time.Second, "overall deadline")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conv := "e2e-" + uuid.New().String()[:8]
	r := &runner{}

	fmt.Printf("marketchat e2e: backend=%s conversation=%s\n", *apiURL, conv)

	// --- health ------------------------------------------------------------
	resp, err := http.Get(*apiURL + "/health")
	if err != nil {
		r.fail("health", err.Error())
		report(r)
		return
	}
	var health struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.Status == "ok" {
		r.pass("health", "backend reports ok")
	} else {
		r.fail("health", "status="+health.Status)
		report(r)
		return
	}

	// --- session handshake --------------------------------------------------
	alice := newSession(*wsURL, *apiURL, "user:alice", chatsync.RoleBuyer)
	defer alice.Close()
	if err := alice.Open(ctx, conv); err != nil {
		r.fail("handshake", "open: "+err.Error())
		report(r)
		return
	}
	if waitFor(5*time.Second, func() bool { return alice.State() == chatsync.StateConnected }) {
		r.pass("handshake", "session connected")
	} else {
		r.fail("handshake", "state="+alice.State().String())
	}

	// --- socket send with echo reconciliation -------------------------------
	if err := alice.Send(ctx, conv, "first message", false); err != nil {
		r.fail("socket-send", err.Error())
	} else if waitFor(5*time.Second, func() bool {
		msgs := alice.Snapshot(conv)
		return len(msgs) == 1 && msgs[0].Status == chatsync.StatusSent && !strings.HasPrefix(msgs[0].ID, "local:")
	}) {
		r.pass("socket-send", "message echoed with server id")
	} else {
		r.fail("socket-send", fmt.Sprintf("snapshot=%d, echo not reconciled", len(alice.Snapshot(conv))))
	}

	// --- two-client delivery ------------------------------------------------
	bob := newSession(*wsURL, *apiURL, "user:bob", chatsync.RoleSeller)
	defer bob.Close()
	if err := bob.Open(ctx, conv); err != nil {
		r.fail("delivery", "bob open: "+err.Error())
	} else {
		if err := bob.Send(ctx, conv, "hello from bob", false); err != nil {
			r.fail("delivery", "bob send: "+err.Error())
		} else if waitFor(5*time.Second, func() bool {
			for _, m := range alice.Snapshot(conv) {
				if m.SenderID == "bob" && m.Content == "hello from bob" {
					return true
				}
			}
			return false
		}) {
			r.pass("delivery", "alice received bob's message")
		} else {
			r.fail("delivery", "bob's message never reached alice")
		}
	}

	// --- history backfill ---------------------------------------------------
	carol := newSession(*wsURL, *apiURL, "user:carol", chatsync.RoleBuyer)
	if err := carol.Open(ctx, conv); err != nil {
		r.fail("backfill", err.Error())
	} else if waitFor(5*time.Second, func() bool { return len(carol.Snapshot(conv)) >= 2 }) {
		r.pass("backfill", fmt.Sprintf("late joiner sees %d stored messages", len(carol.Snapshot(conv))))
	} else {
		r.fail("backfill", fmt.Sprintf("late joiner sees %d messages, want >=2", len(carol.Snapshot(conv))))
	}
	carol.Close()

	// --- typing indicator ---------------------------------------------------
	bob.NotifyTyping(conv, true)
	if waitFor(5*time.Second, func() bool {
		for _, u := range alice.RemoteTyping(conv) {
			if u == "bob" {
				return true
			}
		}
		return false
	}) {
		r.pass("typing", "alice sees bob typing")
	} else {
		r.fail("typing", "typing indicator never arrived")
	}

	// --- REST fallback ------------------------------------------------------
	// A session whose socket cannot connect should still deliver over REST.
	offline := newSession("ws://localhost:1/ws", *apiURL, "user:dana", chatsync.RoleBuyer)
	_ = offline.Open(ctx, conv)
	if err := offline.Send(ctx, conv, "sent without a socket", false); err != nil {
		r.fail("rest-fallback", err.Error())
	} else if waitFor(5*time.Second, func() bool {
		for _, m := range alice.Snapshot(conv) {
			if m.SenderID == "dana" {
				return true
			}
		}
		return false
	}) {
		r.pass("rest-fallback", "REST-sent message delivered to socket members")
	} else {
		r.fail("rest-fallback", "REST-sent message never fanned out")
	}
	offline.Close()

	// --- system message authorization ---------------------------------------
	userAPI := rest.NewClient(*apiURL, "user:alice", nil)
	if _, err := userAPI.Send(ctx, conv, rest.SendRequest{Content: "fake system", IsSystemMessage: true}); err != nil {
		r.pass("system-auth", "non-admin system send rejected: "+err.Error())
	} else {
		r.fail("system-auth", "non-admin system send accepted")
	}

	adminAPI := rest.NewClient(*apiURL, "user:mod:admin", nil)
	if msg, err := adminAPI.Send(ctx, conv, rest.SendRequest{Content: "Order escrow released.", IsSystemMessage: true}); err != nil {
		r.fail("system-send", err.Error())
	} else if msg.IsSystemMessage {
		r.pass("system-send", "admin system message accepted")
	} else {
		r.fail("system-send", "system flag dropped for admin")
	}

	report(r)
}

func newSession(wsURL, apiURL, token string, role chatsync.Role) *chatsync.Session {
	conn := chatsync.NewConnManager(chatsync.DefaultConnConfig(wsURL), token, nil)
	api := rest.NewClient(apiURL, token, nil)
	return chatsync.NewSession(conn, api, chatsync.DefaultTypingConfig(), role)
}

func report(r *runner) {
	failed := r.failed()
	fmt.Printf("\n%d scenarios, %d failed\n", len(r.results), failed)
	if failed > 0 {
		os.Exit(1)
	}
}
