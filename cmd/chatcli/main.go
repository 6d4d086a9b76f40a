// Command chatcli is a terminal chat client for exercising the synchronizer
// against a running dev backend.
//
// Usage:
//
//	go run ./cmd/chatcli/ -token user:alice -conv order-42
//	go run ./cmd/chatcli/ -token user:mod7:admin -order 42 -role admin
//
// Type a line to send it. Lines starting with "/sys " are sent as system
// messages (admin only).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/playtrade/marketchat/internal/chatsync"
	"github.com/playtrade/marketchat/internal/rest"
)

func main() {
	var (
		wsURL   = flag.String("ws", "ws://localhost:8080/ws", "WebSocket endpoint")
		apiURL  = flag.String("api", "http://localhost:8080", "REST API base URL")
		token   = flag.String("token", "", "auth token (dev scheme: user:<id>[:admin])")
		convID  = flag.String("conv", "", "conversation to open")
		orderID = flag.String("order", "", "order id to open (resolved to its conversation)")
		role    = flag.String("role", "buyer", "session role: buyer, seller or admin")
	)
	flag.Parse()

	if *token == "" {
		log.Fatal("chatcli: -token is required")
	}
	if *convID == "" && *orderID == "" {
		log.Fatal("chatcli: one of -conv or -order is required")
	}

	var sessionRole chatsync.Role
	switch *role {
	case "buyer":
		sessionRole = chatsync.RoleBuyer
	case "seller":
		sessionRole = chatsync.RoleSeller
	case "admin":
		sessionRole = chatsync.RoleAdmin
	default:
		log.Fatalf("chatcli: unknown role %q", *role)
	}

	conn := chatsync.NewConnManager(chatsync.DefaultConnConfig(*wsURL), *token, nil)
	api := rest.NewClient(*apiURL, *token, nil)
	session := chatsync.NewSession(conn, api, chatsync.DefaultTypingConfig(), sessionRole)
	defer session.Close()

	// Render new messages as they land in the store.
	r := newRenderer()
	session.OnUpdate(func(conversationID string) {
		for _, line := range r.newLines(session.Snapshot(conversationID)) {
			fmt.Println(line)
		}
	})

	session.OnConnState(func(state chatsync.ConnState) {
		fmt.Printf("-- connection: %s\n", state)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	target := *convID
	var err error
	if *orderID != "" {
		target, err = session.OpenOrder(ctx, *orderID)
	} else {
		err = session.Open(ctx, target)
	}
	cancel()
	if err != nil {
		log.Printf("chatcli: open: %v (continuing; history may be incomplete)", err)
	}

	fmt.Printf("-- conversation %s, role %s. Type to chat, Ctrl-D to quit.\n", target, *role)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		isSystem := false
		if content, ok := strings.CutPrefix(line, "/sys "); ok {
			if !session.CanSendSystemMessages() {
				fmt.Println("-- system messages require the admin role")
				continue
			}
			isSystem = true
			line = content
		}

		session.NotifyTyping(target, true)

		sendCtx, sendCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := session.Send(sendCtx, target, line, isSystem); err != nil {
			fmt.Printf("-- send failed: %v\n", err)
		}
		sendCancel()
	}
	if err := scanner.Err(); err != nil {
		log.Printf("chatcli: stdin: %v", err)
	}
}

// renderer prints each message once. Messages are keyed by clientRef when
// present so a reconciled optimistic copy keeps its identity when its id
// changes, and a backfilled message inserted before already-shown ones is
// still picked up.
type renderer struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newRenderer() *renderer {
	return &renderer{seen: make(map[string]struct{})}
}

// newLines returns formatted lines for snapshot messages not shown before,
// in snapshot order.
func (r *renderer) newLines(snapshot []chatsync.Message) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, m := range snapshot {
		key := m.ClientRef
		if key == "" {
			key = m.ID
		}
		if _, ok := r.seen[key]; ok {
			continue
		}
		r.seen[key] = struct{}{}
		out = append(out, formatLine(m))
	}
	return out
}

func formatLine(m chatsync.Message) string {
	status := ""
	switch m.Status {
	case chatsync.StatusSending:
		status = " [sending]"
	case chatsync.StatusFailed:
		status = " [failed]"
	}
	if chatsync.Classify(m) == chatsync.KindSystem {
		return fmt.Sprintf("  * %s%s", m.DisplayContent(), status)
	}
	return fmt.Sprintf("  <%s> %s%s", m.SenderName, m.Content, status)
}
