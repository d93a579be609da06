// Package realtime maintains one logical pub/sub connection per
// authenticated scope, multiplexes named channels over it, and fans typed
// events out to registered listeners. Connection drops trigger bounded
// exponential reconnection; events delivered while disconnected are lost:
// everything on this feed is an "invalidate and refetch" hint, not the source
// of truth.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/a-essam23/go-uplink/pkg/backoff"
	"github.com/a-essam23/go-uplink/pkg/config"
	"github.com/a-essam23/go-uplink/pkg/netmon"
	"github.com/a-essam23/go-uplink/pkg/transport"
)

// protocol-level event names
const (
	evConnectionEstablished = "connection_established"
	evSubscribe             = "subscribe"
	evUnsubscribe           = "unsubscribe"
	evSubscriptionSucceeded = "subscription_succeeded"
	evSubscriptionError     = "subscription_error"
	evPing                  = "ping"
	evPong                  = "pong"
	evMemberAdded           = "member_added"
	evMemberRemoved         = "member_removed"
	evNotification          = "notification"
)

var errStaleConnection = errors.New("no traffic within keepalive window")

// frame is the wire envelope for every message in both directions.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Auth    string          `json:"auth,omitempty"`
}

func (f frame) encode() []byte {
	raw, _ := json.Marshal(f)
	return raw
}

// Scope identifies which channel set a connection serves.
type Scope struct {
	OrgID  string
	UserID string
}

// Authorizer is the slice of the session layer the realtime manager needs:
// an authenticated transport for private-channel authorization and the
// current bearer token for the connection handshake.
type Authorizer interface {
	transport.Doer
	AccessToken() string
}

type Manager struct {
	logger   *slog.Logger
	cfg      config.RealtimeConfig
	session  Authorizer
	monitor  netmon.Monitor
	authPath string

	mu           sync.Mutex
	scope        *Scope
	conn         *conn
	connected    bool
	socketID     string
	attempts     int
	reconnect    *time.Timer
	lastActivity time.Time
	channels     map[string]*Channel

	connState     observers[bool]
	domain        observers[DomainEvent]
	calendar      observers[CalendarEvent]
	agent         observers[AgentEvent]
	notifications observers[Notification]
	presence      observers[PresenceEvent]
}

func NewManager(logger *slog.Logger, cfg config.RealtimeConfig, session Authorizer, monitor netmon.Monitor, authPath string) *Manager {
	m := &Manager{
		logger:   logger.With(slog.String("component", "realtime_manager")),
		cfg:      cfg,
		session:  session,
		monitor:  monitor,
		authPath: authPath,
		channels: make(map[string]*Channel),
	}
	monitor.Subscribe(func(online bool) {
		if online {
			m.handleOnline()
		}
	})
	return m
}

// --- Listener registration ---

func (m *Manager) OnConnectionChange(fn func(connected bool)) (cancel func()) {
	return m.connState.add(fn)
}

func (m *Manager) OnDomainEvent(fn func(DomainEvent)) (cancel func()) {
	return m.domain.add(fn)
}

func (m *Manager) OnCalendarEvent(fn func(CalendarEvent)) (cancel func()) {
	return m.calendar.add(fn)
}

func (m *Manager) OnAgentEvent(fn func(AgentEvent)) (cancel func()) {
	return m.agent.add(fn)
}

func (m *Manager) OnNotification(fn func(Notification)) (cancel func()) {
	return m.notifications.add(fn)
}

func (m *Manager) OnPresence(fn func(PresenceEvent)) (cancel func()) {
	return m.presence.add(fn)
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// --- Connection lifecycle ---

// Connect opens the realtime connection for the given scope. A no-op when
// already connected to the same scope; otherwise any existing connection and
// pending reconnect timer are superseded first.
func (m *Manager) Connect(ctx context.Context, scope Scope) error {
	m.mu.Lock()
	if m.conn != nil && m.scope != nil && *m.scope == scope {
		m.mu.Unlock()
		return nil
	}
	old, wasConnected := m.detachLocked()
	s := scope
	m.scope = &s
	m.attempts = 0
	m.mu.Unlock()

	if old != nil {
		old.close(nil)
	}
	if wasConnected {
		m.connState.emit(false)
	}
	return m.dialAndRun(ctx)
}

// Disconnect tears everything down: channels, connection, scope, timers.
// Idempotent; reconnection stops until the next explicit Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old, wasConnected := m.detachLocked()
	m.scope = nil
	m.attempts = 0
	m.mu.Unlock()

	if old != nil {
		old.close(nil)
	}
	if wasConnected {
		m.connState.emit(false)
	}
	m.logger.Info("Realtime disconnected")
}

// detachLocked unhooks the current connection, channels and reconnect timer
// without closing the socket (the caller does that outside the lock, since
// close re-enters the manager through the onClose handler).
func (m *Manager) detachLocked() (old *conn, wasConnected bool) {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	old = m.conn
	wasConnected = m.connected
	m.conn = nil
	m.connected = false
	m.socketID = ""

	if old != nil {
		for name := range m.channels {
			// best-effort; the server drops subscriptions with the socket anyway
			old.sendFrame(frame{Event: evUnsubscribe, Channel: name}.encode())
		}
	}
	m.channels = make(map[string]*Channel)
	return old, wasConnected
}

func (m *Manager) dialAndRun(ctx context.Context) error {
	header := http.Header{}
	if tok := m.session.AccessToken(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	c, err := dial(ctx, m.cfg.URL, header, nil, nil, m.logger)
	if err != nil {
		m.logger.Warn("Realtime dial failed", slog.Any("error", err))
		m.scheduleReconnect()
		return err
	}
	c.onMessage = func(msg []byte) { m.handleFrame(c, msg) }
	c.onClose = func(err error) { m.handleClose(c, err) }

	m.mu.Lock()
	if m.scope == nil {
		// disconnected while dialing
		m.mu.Unlock()
		c.close(nil)
		return nil
	}
	m.conn = c
	m.lastActivity = time.Now()
	m.mu.Unlock()

	c.run()
	return nil
}

func (m *Manager) handleClose(c *conn, err error) {
	m.mu.Lock()
	if m.conn != c {
		// superseded by a newer connection or an explicit teardown
		m.mu.Unlock()
		return
	}
	m.conn = nil
	wasConnected := m.connected
	m.connected = false
	m.socketID = ""
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	m.logger.Warn("Realtime connection dropped", slog.Any("error", err))
	if wasConnected {
		m.connState.emit(false)
	}
	m.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer. Attempts are capped; past the cap
// reconnection is abandoned until the caller issues another explicit Connect.
// While the device is offline no timer is armed and no attempt is consumed:
// the connectivity subscription redials on the restore transition instead.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scope == nil || m.reconnect != nil {
		return
	}
	if !m.monitor.Online() {
		m.logger.Info("Device offline, realtime reconnect deferred until connectivity returns")
		return
	}
	if m.cfg.Reconnect.MaxAttempts > 0 && m.attempts >= m.cfg.Reconnect.MaxAttempts {
		m.logger.Warn("Reconnect attempts exhausted, giving up until next Connect",
			slog.Int("attempts", m.attempts),
		)
		return
	}

	delay := backoff.Delay(m.cfg.Reconnect.BaseDelay, m.cfg.Reconnect.MaxDelay, m.attempts)
	m.attempts++
	attempt := m.attempts
	m.logger.Info("Scheduling reconnect",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnect = nil
		if m.scope == nil {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.dialAndRun(context.Background())
	})
}

// handleOnline redials immediately when connectivity returns while a scope is
// active and no connection is up. The attempt counter resets so the restored
// network gets the full retry budget.
func (m *Manager) handleOnline() {
	m.mu.Lock()
	if m.scope == nil || m.conn != nil {
		m.mu.Unlock()
		return
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("Connectivity restored, redialing realtime")
	go m.dialAndRun(context.Background())
}

// --- Frame handling ---

func (m *Manager) handleFrame(c *conn, msg []byte) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		m.logger.Warn("Failed to unmarshal realtime frame", slog.Any("error", err))
		return
	}

	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()

	switch f.Event {
	case evConnectionEstablished:
		m.handleEstablished(c, f.Data)
	case evPong:
		// activity timestamp already advanced
	case evPing:
		c.sendFrame(frame{Event: evPong}.encode())
	case evSubscriptionSucceeded:
		if ch := m.channel(f.Channel); ch != nil {
			ch.markSubscribed(true)
		}
		m.logger.Debug("Channel subscribed", slog.String("channel", f.Channel))
	case evSubscriptionError:
		// the connection stays usable; only this channel is degraded
		if ch := m.channel(f.Channel); ch != nil {
			ch.markSubscribed(false)
		}
		m.logger.Warn("Channel subscription failed",
			slog.String("channel", f.Channel),
			slog.String("reason", gjson.GetBytes(f.Data, "message").String()),
		)
	default:
		ch := m.channel(f.Channel)
		if ch == nil {
			m.logger.Debug("Event for untracked channel dropped",
				slog.String("channel", f.Channel),
				slog.String("event", f.Event),
			)
			return
		}
		ch.handle(f.Event, f.Data)
	}
}

func (m *Manager) handleEstablished(c *conn, data json.RawMessage) {
	m.mu.Lock()
	if m.conn != c || m.scope == nil {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.attempts = 0
	socketID := gjson.GetBytes(data, "socket_id").String()
	m.socketID = socketID
	scope := *m.scope
	m.mu.Unlock()

	m.logger.Info("Realtime connection established",
		slog.String("socketID", socketID),
		slog.String("orgID", scope.OrgID),
	)
	m.connState.emit(true)

	go m.subscribeScope(scope)
	if m.cfg.PingInterval > 0 {
		go m.keepalive(c)
	}
}

func (m *Manager) channel(name string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[name]
}

// keepalive pings the server and closes the connection when nothing (pong or
// otherwise) has arrived for two intervals, handing control to the reconnect
// policy.
func (m *Manager) keepalive(c *conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			last := m.lastActivity
			m.mu.Unlock()
			if time.Since(last) > 2*m.cfg.PingInterval {
				c.close(errStaleConnection)
				return
			}
			c.sendFrame(frame{Event: evPing}.encode())
		case <-c.done:
			return
		}
	}
}

// --- Channel subscription ---

// subscribeScope establishes the fixed channel set for a scope after each
// successful connect: the org-wide domain channel, the personal channel, and
// optionally presence.
func (m *Manager) subscribeScope(scope Scope) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	org, err := m.Subscribe(ctx, organizationChannel(scope.OrgID))
	if err == nil {
		m.bindOrganization(org)
	}
	user, err := m.Subscribe(ctx, userChannel(scope.UserID))
	if err == nil {
		m.bindUser(user)
	}
	if m.cfg.Presence {
		pres, err := m.Subscribe(ctx, presenceChannel(scope.OrgID))
		if err == nil {
			m.bindPresence(pres)
		}
	}
}

// Subscribe returns the channel handle for name, issuing the wire
// subscription on first use. Re-subscribing an already-tracked name returns
// the existing handle without a duplicate wire subscribe. A failed
// authorization leaves no entry behind, so a later Subscribe retries it.
func (m *Manager) Subscribe(ctx context.Context, name string) (*Channel, error) {
	m.mu.Lock()
	if ch, ok := m.channels[name]; ok {
		m.mu.Unlock()
		return ch, nil
	}
	c := m.conn
	socketID := m.socketID
	if c == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribe %q: not connected", name)
	}
	ch := newChannel(name)
	m.channels[name] = ch
	m.mu.Unlock()

	sub := frame{Event: evSubscribe, Channel: name}
	if ch.requiresAuth() {
		auth, err := m.authorize(ctx, name, socketID)
		if err != nil {
			// drop the placeholder so a retry re-issues the authorization;
			// the rest of the connection stays usable
			m.mu.Lock()
			if m.channels[name] == ch {
				delete(m.channels, name)
			}
			m.mu.Unlock()
			m.logger.Warn("Channel authorization failed",
				slog.String("channel", name),
				slog.Any("error", err),
			)
			return nil, err
		}
		sub.Auth = auth
	}
	c.sendFrame(sub.encode())
	return ch, nil
}

// authorize obtains the private/presence subscription signature through the
// authenticated transport.
func (m *Manager) authorize(ctx context.Context, channel, socketID string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"socket_id":    socketID,
		"channel_name": channel,
	})
	if err != nil {
		return "", err
	}
	resp, err := m.session.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    m.authPath,
		Body:   body,
	})
	if err != nil {
		return "", err
	}
	auth := gjson.GetBytes(resp.Body, "auth").String()
	if auth == "" {
		return "", errors.New("authorization response missing auth signature")
	}
	return auth, nil
}

// --- Event binding and normalization ---

func (m *Manager) bindOrganization(ch *Channel) {
	for _, entity := range domainEntities {
		for _, action := range actions {
			event := fmt.Sprintf("%s.%s", entity, action)
			ch.bind(event, func(data []byte) {
				if ev, ok := parseDomainEvent(event, data); ok {
					m.domain.emit(ev)
				}
			})
		}
	}
	for _, action := range actions {
		event := fmt.Sprintf("calendar.event.%s", action)
		ch.bind(event, func(data []byte) {
			if ev, ok := parseCalendarEvent(event, data); ok {
				m.calendar.emit(ev)
			}
		})
	}
}

func (m *Manager) bindUser(ch *Channel) {
	ch.bind(evNotification, func(data []byte) {
		m.notifications.emit(parseNotification(data))
	})
	for _, kind := range agentEventKinds {
		event := string(kind)
		ch.bind(event, func(data []byte) {
			if ev, ok := parseAgentEvent(event, data); ok {
				m.agent.emit(ev)
			}
		})
	}
}

func (m *Manager) bindPresence(ch *Channel) {
	ch.bind(evMemberAdded, func(data []byte) {
		m.presence.emit(PresenceEvent{
			UserID: gjson.GetBytes(data, "user_id").String(),
			Joined: true,
		})
	})
	ch.bind(evMemberRemoved, func(data []byte) {
		m.presence.emit(PresenceEvent{
			UserID: gjson.GetBytes(data, "user_id").String(),
			Joined: false,
		})
	})
}
