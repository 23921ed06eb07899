// Package healthapi serves the database health report and Prometheus metrics.
package healthapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/pgkeeper/logger"
	"github.com/migadu/pgkeeper/pkg/health"
	"github.com/migadu/pgkeeper/pkg/recovery"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager is the subset of the connection pool manager the API needs.
type Manager interface {
	health.Source
	AttemptRecovery(ctx context.Context) recovery.Result
}

// Server represents the health API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	trustedNets  []*net.IPNet
	manager      Manager
	server       *http.Server
}

// ServerOptions holds configuration options for the health API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string

	// TrustedProxies lists the IPs or CIDR blocks whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means only the peer address counts.
	TrustedProxies []string
}

// New creates a new health API server
func New(manager Manager, options ServerOptions) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("connection pool manager is required for health API server")
	}
	if options.Addr == "" {
		return nil, fmt.Errorf("listen address is required for health API server")
	}

	s := &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		manager:      manager,
	}

	// Parse trusted proxy CIDR blocks
	for _, proxy := range options.TrustedProxies {
		network, err := parseNetwork(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %s: %w", proxy, err)
		}
		s.trustedNets = append(s.trustedNets, network)
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down health API server", "component", "HEALTH-API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down health API server", "component", "HEALTH-API", "error", err)
		}
	}()

	logger.Info("Starting health API server", "component", "HEALTH-API", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health API server failed: %w", err)
	}
	return nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP request", "component", "HEALTH-API", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := s.clientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			// Check CIDR blocks
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authorized checks the bearer token guarding manual recovery.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		s.writeError(w, http.StatusUnauthorized, "Authorization header required")
		return false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
		return false
	}

	if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
		s.writeError(w, http.StatusForbidden, "Invalid API key")
		return false
	}
	return true
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var result *recovery.Result

	if v := r.URL.Query().Get("recover"); v != "" {
		requested, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "recover must be a boolean")
			return
		}
		if requested {
			if !s.authorized(w, r) {
				return
			}
			logger.Info("Manual recovery requested", "component", "HEALTH-API", "remote", s.clientIP(r))
			// A dropped client must not abort a recovery half-way.
			res := s.manager.AttemptRecovery(context.WithoutCancel(r.Context()))
			result = &res
		}
	}

	report := health.Check(r.Context(), s.manager)
	if result != nil {
		report.WithRecovery(*result)
	}

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy || report.Status == health.StatusError {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

// Utility functions

// clientIP returns the peer address unless the peer is a trusted proxy, in which
// case the nearest untrusted hop of X-Forwarded-For (or X-Real-IP) is used.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.isTrustedProxy(host) {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !s.isTrustedProxy(hop) || i == 0 {
				return hop
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return host
}

func (s *Server) isTrustedProxy(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range s.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// parseNetwork accepts a CIDR block or a single IP.
func parseNetwork(value string) (*net.IPNet, error) {
	if strings.Contains(value, "/") {
		_, network, err := net.ParseCIDR(value)
		return network, err
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return nil, fmt.Errorf("not an IP address or CIDR block")
	}
	bits := 128
	if ip4 := ip.To4(); ip4 != nil {
		ip, bits = ip4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Error encoding JSON response", "component", "HEALTH-API", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
