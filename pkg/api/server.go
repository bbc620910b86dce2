package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/meftunca/lifeguard/pkg/config"
	"github.com/meftunca/lifeguard/pkg/detector"
	"github.com/meftunca/lifeguard/pkg/types"
)

// Detector is the failure-detector surface the admin API exposes.
type Detector interface {
	MembershipSnapshot() map[types.NodeAddr]types.Status
	ShellStats() detector.Stats
	Monitor(node types.Node)
	ConfirmDead(node types.Node)
	Subscribe() <-chan detector.ReachabilityEvent
}

// Server provides the admin and testing HTTP surface using Fiber v2:
// membership snapshots, control verbs, prometheus metrics and a websocket
// stream of reachability events.
type Server struct {
	app      *fiber.App
	det      Detector
	cfg      *config.Config
	log      logrus.FieldLogger
	metrics  http.Handler
	hub      *eventHub
	startErr chan error
}

// nodeRequest is the body of the monitor and confirm-dead verbs.
type nodeRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NewServer builds the admin server. metricsHandler may be nil when
// monitoring is disabled.
func NewServer(det Detector, cfg *config.Config, log logrus.FieldLogger, metricsHandler http.Handler) *Server {
	s := &Server{
		det:     det,
		cfg:     cfg,
		log:     log,
		metrics: metricsHandler,
		hub:     newEventHub(log),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "lifeguard",
		ReadTimeout:           cfg.API.ReadTimeout,
		WriteTimeout:          cfg.API.WriteTimeout,
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New())
	s.app.Use(cors.New())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)

	v1 := s.app.Group("/v1")
	v1.Get("/membership", s.handleMembership)
	v1.Get("/stats", s.handleStats)
	v1.Post("/monitor", s.handleMonitor)
	v1.Post("/confirm-dead", s.handleConfirmDead)

	if s.metrics != nil {
		s.app.Get(s.cfg.Monitoring.MetricsPath, adaptor.HTTPHandler(s.metrics))
	}

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/events", websocket.New(s.hub.serve))
}

// Start begins serving and pumping reachability events to websocket
// clients. It returns once the listener is up or failed.
func (s *Server) Start() error {
	s.hub.run(s.det.Subscribe())

	addr := fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.log.WithField("addr", addr).Info("admin API listening")
		return nil
	}
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleMembership serves the testing interface: the full node-to-status
// mapping.
func (s *Server) handleMembership(c *fiber.Ctx) error {
	snapshot := s.det.MembershipSnapshot()

	members := make(map[string]types.Status, len(snapshot))
	for addr, status := range snapshot {
		members[string(addr)] = status
	}
	return c.JSON(fiber.Map{"members": members})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.det.ShellStats())
}

func (s *Server) handleMonitor(c *fiber.Ctx) error {
	var req nodeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "host and port are required"})
	}

	s.det.Monitor(types.Node{Host: req.Host, Port: req.Port})
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "monitoring"})
}

func (s *Server) handleConfirmDead(c *fiber.Ctx) error {
	var req nodeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "host and port are required"})
	}

	s.det.ConfirmDead(types.Node{Host: req.Host, Port: req.Port})
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "confirmed"})
}

// eventHub fans reachability events out to websocket clients.
type eventHub struct {
	log        logrus.FieldLogger
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stopCh     chan struct{}
	once       sync.Once
}

func newEventHub(log logrus.FieldLogger) *eventHub {
	return &eventHub{
		log:        log,
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopCh:     make(chan struct{}),
	}
}

// run pumps events from the detector subscription to every connected
// client.
func (h *eventHub) run(events <-chan detector.ReachabilityEvent) {
	go func() {
		clients := make(map[*websocket.Conn]bool)
		for {
			select {
			case <-h.stopCh:
				for conn := range clients {
					conn.Close()
				}
				return
			case conn := <-h.register:
				clients[conn] = true
			case conn := <-h.unregister:
				delete(clients, conn)
			case event := <-events:
				for conn := range clients {
					if err := conn.WriteJSON(event); err != nil {
						h.log.WithError(err).Debug("dropping websocket client")
						conn.Close()
						delete(clients, conn)
					}
				}
			}
		}
	}()
}

func (h *eventHub) stop() {
	h.once.Do(func() { close(h.stopCh) })
}

// serve parks a websocket connection in the hub until the client hangs
// up.
func (h *eventHub) serve(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.stopCh:
		conn.Close()
		return
	}

	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.stopCh:
		}
		conn.Close()
	}()

	// Consume client frames only to detect disconnects; the stream is
	// one-way.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
