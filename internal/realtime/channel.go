package realtime

import (
	"fmt"
	"strings"
	"sync"
)

// Channel name builders for the fixed per-scope channel set.
func organizationChannel(orgID string) string {
	return fmt.Sprintf("private-organization.%s", orgID)
}

func userChannel(userID string) string {
	return fmt.Sprintf("private-user.%s", userID)
}

func presenceChannel(orgID string) string {
	return fmt.Sprintf("presence-organization.%s", orgID)
}

// Channel is the handle for one logical realtime topic. A name maps to
// exactly one Channel for the lifetime of the owning connection.
type Channel struct {
	name string

	mu         sync.Mutex
	bindings   map[string][]func(data []byte)
	subscribed bool
}

func newChannel(name string) *Channel {
	return &Channel{
		name:     name,
		bindings: make(map[string][]func(data []byte)),
	}
}

func (c *Channel) Name() string { return c.name }

// requiresAuth reports whether a wire subscription needs a server-issued
// authorization signature.
func (c *Channel) requiresAuth() bool {
	return strings.HasPrefix(c.name, "private-") || strings.HasPrefix(c.name, "presence-")
}

func (c *Channel) bind(event string, fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[event] = append(c.bindings[event], fn)
}

// handle dispatches one incoming event to its bound handlers in binding
// order.
func (c *Channel) handle(event string, data []byte) {
	c.mu.Lock()
	fns := make([]func([]byte), len(c.bindings[event]))
	copy(fns, c.bindings[event])
	c.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

func (c *Channel) markSubscribed(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = ok
}

// Subscribed reports whether the server confirmed the wire subscription.
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}
