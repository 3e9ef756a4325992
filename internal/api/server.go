// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: player admission, public
// status, the operator endpoints and the two websocket channels.
package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/eclaw/clawd/internal/config"
	"github.com/eclaw/clawd/internal/control"
	"github.com/eclaw/clawd/internal/game"
	"github.com/eclaw/clawd/internal/gpio"
	"github.com/eclaw/clawd/internal/hub"
	"github.com/eclaw/clawd/internal/log"
	"github.com/eclaw/clawd/internal/store"
)

// Deps are the collaborators the server routes requests into.
type Deps struct {
	Config   *config.Manager
	Store    *store.Store
	Machine  *game.Machine
	Hub      *hub.Hub
	Control  *control.Manager
	Actuator *gpio.Controller
}

// Server carries the handler dependencies and parsed network ACLs.
type Server struct {
	cfg     *config.Manager
	store   *store.Store
	machine *game.Machine
	hub     *hub.Hub
	control *control.Manager
	act     *gpio.Controller
	logger  zerolog.Logger
	started time.Time

	operatorNets []*net.IPNet
	trustedNets  []*net.IPNet
}

// New builds the server, parsing the operator and proxy CIDR lists.
func New(deps Deps) (*Server, error) {
	settings := deps.Config.Snapshot()
	operatorNets, err := parseCIDRList(settings.OperatorAllowedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("api: operator_allowed_cidrs: %w", err)
	}
	trustedNets, err := parseCIDRList(settings.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("api: trusted_proxies: %w", err)
	}

	s := &Server{
		cfg:          deps.Config,
		store:        deps.Store,
		machine:      deps.Machine,
		hub:          deps.Hub,
		control:      deps.Control,
		act:          deps.Actuator,
		logger:       log.WithComponent("api"),
		started:      time.Now(),
		operatorNets: operatorNets,
		trustedNets:  trustedNets,
	}
	if settings.OperatorKeyInsecure() {
		s.logger.Warn().
			Str("event", "api.insecure_operator_key").
			Msg("operator key is a known placeholder; set a real secret before exposing this service")
	}
	return s, nil
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	settings := s.cfg.Snapshot()
	window := time.Duration(settings.RateLimitWindowS) * time.Second

	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/history", s.handleHistory)
		r.Get("/session/me", s.handleSessionMe)

		r.Route("/queue", func(r chi.Router) {
			r.With(httprate.LimitByIP(settings.JoinRatePerIP, window)).
				Post("/join", s.handleJoin)
			r.Delete("/leave", s.handleLeave)
			r.Get("/status", s.handleStatus)
			r.Get("/", s.handleQueueList)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.operatorAuth)
			r.Post("/advance", s.handleAdvance)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/emergency-stop", s.handleEmergencyStop)
			r.Post("/unlock", s.handleUnlock)
			r.Post("/kick/{entryID}", s.handleKick)
			r.Get("/dashboard", s.handleDashboard)
			r.Get("/config", s.handleConfigGet)
			r.Put("/config", s.handleConfigUpdate)
			r.Handle("/metrics", promhttp.Handler())
		})
	})

	r.Handle("/ws/control", websocket.Server{Handler: s.handleControlWS})
	r.Handle("/ws/status", websocket.Server{Handler: s.handleStatusWS})
	return r
}

func parseCIDRList(raw string) ([]*net.IPNet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var nets []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// Bare IPs are accepted as host networks.
		if ip := net.ParseIP(part); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipnet, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("bad cidr %q: %w", part, err)
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}
