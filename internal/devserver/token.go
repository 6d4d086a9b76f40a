// Package devserver is a local stand-in for the marketplace chat backend. It
// implements the exact surface the synchronizer consumes — the WebSocket
// event channel and the REST chat API — so the client library can be
// developed and exercised end to end without the production service.
package devserver

import (
	"fmt"
	"strings"
)

// Identity is the result of resolving a dev token.
type Identity struct {
	UserID string
	Admin  bool
}

// ParseToken resolves the dev token scheme "user:<id>" or "user:<id>:admin".
// It stands in for real token verification; the shape matters (opaque string
// in, identity out), not the crypto.
func ParseToken(token string) (Identity, error) {
	parts := strings.Split(token, ":")
	if len(parts) < 2 || parts[0] != "user" || parts[1] == "" {
		return Identity{}, fmt.Errorf("devserver: malformed token")
	}
	id := Identity{UserID: parts[1]}
	if len(parts) == 3 && parts[2] == "admin" {
		id.Admin = true
	} else if len(parts) > 2 {
		return Identity{}, fmt.Errorf("devserver: malformed token")
	}
	return id, nil
}
