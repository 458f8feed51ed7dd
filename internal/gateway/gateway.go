// Package gateway is the realtime message boundary. It owns the websocket
// connections, translates inbound events into registry/lifecycle calls, and
// routes outbound events to exactly the intended recipients: one connection,
// the admin broadcast group, or a ride's counterparty. Nothing else in the
// process performs connection I/O.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// TelemetryPublisher forwards driver positions to the telemetry pipeline.
type TelemetryPublisher interface {
	PublishTelemetry(a models.Actor) error
}

// FleetMirror keeps an external geo index of the driver fleet.
type FleetMirror interface {
	Upsert(ctx context.Context, a models.Actor) error
	Remove(ctx context.Context, connID string) error
}

type Gateway struct {
	mu      sync.RWMutex
	clients map[string]*Client
	admins  map[string]bool

	reg   *registry.Registry
	rides *lifecycle.Service

	producer TelemetryPublisher
	fleet    FleetMirror

	log *slog.Logger
}

func New(reg *registry.Registry, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		clients: make(map[string]*Client),
		admins:  make(map[string]bool),
		reg:     reg,
		log:     log,
	}
}

// Bind wires the lifecycle service in after construction; the gateway and
// lifecycle reference each other (the gateway is the lifecycle's Notifier).
func (g *Gateway) Bind(rides *lifecycle.Service) { g.rides = rides }

// WithKafka attaches the optional telemetry producer.
func (g *Gateway) WithKafka(p TelemetryPublisher) { g.producer = p }

// WithFleetMirror attaches the optional Redis fleet mirror.
func (g *Gateway) WithFleetMirror(f FleetMirror) { g.fleet = f }

// HandleWS upgrades the request and runs the connection until it drops.
// Connection ids are generated server side, like socket ids.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, g)
	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
	observability.ConnectionsOpen.Inc()
	g.log.Info("connection open", "conn_id", c.id)

	c.enqueue(models.NewEvent(models.EvSysMsg, map[string]string{
		"msg":     "connected to dispatch network",
		"conn_id": c.id,
	}))

	go c.writePump()
	c.readPump()
}

// Send implements lifecycle.Notifier. Delivery is fire-and-forget: a gone
// or saturated target is logged and counted, never propagated.
func (g *Gateway) Send(connID string, e models.Event) {
	g.mu.RLock()
	c, ok := g.clients[connID]
	g.mu.RUnlock()
	if !ok {
		g.log.Debug("send to unknown connection", "conn_id", connID, "type", string(e.Type))
		return
	}
	c.enqueue(e)
}

// Admin implements lifecycle.Notifier: read-only fan-out to the admin group.
func (g *Gateway) Admin(e models.Event) {
	g.mu.RLock()
	targets := make([]*Client, 0, len(g.admins))
	for id := range g.admins {
		if c, ok := g.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	g.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(e)
	}
}

func (g *Gateway) joinAdmins(connID string) {
	g.mu.Lock()
	g.admins[connID] = true
	g.mu.Unlock()
}

func (g *Gateway) leaveAdmins(connID string) {
	g.mu.Lock()
	delete(g.admins, connID)
	g.mu.Unlock()
}

// disconnect tears the connection down exactly once: registry removal,
// orphaned-ride cleanup, fleet mirror removal, group membership.
func (g *Gateway) disconnect(c *Client) {
	g.mu.Lock()
	if _, ok := g.clients[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.id)
	delete(g.admins, c.id)
	g.mu.Unlock()

	c.closeSend()
	observability.ConnectionsOpen.Dec()

	actor, existed := g.reg.Remove(c.id)
	if !existed {
		g.log.Info("connection closed before registering", "conn_id", c.id)
		return
	}
	g.rides.DisconnectCleanup(actor)
	g.refreshDriverGauge()

	if actor.Role == models.RoleDriver && g.fleet != nil {
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := g.fleet.Remove(ctx, id); err != nil {
				g.log.Warn("fleet mirror remove failed", "conn_id", id, "error", err)
			}
		}(c.id)
	}

	g.Admin(models.NewEvent(models.EvAdminLog, models.AdminLogPayload{
		Severity: "info",
		Msg:      string(actor.Role) + " disconnected",
		ConnID:   c.id,
	}))
	g.log.Info("connection closed", "conn_id", c.id, "role", string(actor.Role))
}

func (g *Gateway) refreshDriverGauge() {
	n := len(g.reg.Snapshot(func(a models.Actor) bool {
		return a.Role == models.RoleDriver && a.Status != models.StatusOffline
	}))
	observability.DriversOnline.Set(float64(n))
}

// publishTelemetry forwards a driver position to the Kafka topic and the
// Redis fleet mirror, best-effort. Callers run it on its own goroutine so a
// stalled sink never blocks the connection's read loop.
func (g *Gateway) publishTelemetry(a models.Actor) {
	if g.producer != nil {
		if err := g.producer.PublishTelemetry(a); err != nil {
			g.log.Warn("telemetry publish failed", "conn_id", a.ConnID, "error", err)
		}
	}
	if g.fleet != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.fleet.Upsert(ctx, a); err != nil {
			g.log.Warn("fleet mirror upsert failed", "conn_id", a.ConnID, "error", err)
		}
	}
}

var _ lifecycle.Notifier = (*Gateway)(nil)

func marshalEvent(e models.Event) []byte {
	b, _ := json.Marshal(e)
	return b
}
