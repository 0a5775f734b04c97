package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openroom/openroom/pkg/database"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the OpenRoom chat server: one global room, one message
// store, one registry of live sessions.
type Server struct {
	db       *database.DB
	sessions *SessionManager
	hub      *Hub
	config   ServerConfig
	metrics  *Metrics

	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader

	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a new server instance and opens the message store
func NewServer(config ServerConfig) (*Server, error) {
	dbPath, err := expandHome(config.DatabasePath)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	metrics := NewMetrics()
	sessions := NewSessionManager(config.AdminUsername, config.AdminSecret)
	sessions.SetMetrics(metrics)
	hub := NewHub(sessions, metrics)

	server := &Server{
		db:       db,
		sessions: sessions,
		hub:      hub,
		config:   config,
		metrics:  metrics,
		shutdown: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client is served from this same origin; cross
			// origin checks stay with the reverse proxy in front.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
	hub.SetEvictFunc(server.removeSession)

	return server, nil
}

// EnableDebugLogging turns on per-session debug logging to stdout
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stdout, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start starts the public HTTP server and background loops
func (s *Server) Start() error {
	uploadDir, err := expandHome(s.config.UploadDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/upload", s.HandleUpload)
	mux.Handle("/uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(uploadDir))))
	mux.Handle("/", http.FileServer(http.Dir(s.config.StaticDir)))

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}

	log.Printf("Public HTTP server listening on %s (/ws, /upload)", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	// Internal metrics server - never expose publicly
	if s.config.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
			metricsMux.HandleFunc("/health", s.HealthHandler)
			metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Log key metrics every 30 seconds
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

// Addr returns the public listen address (useful with port 0)
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		log.Printf("Error during database close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// HandleWebSocket upgrades an HTTP request and hands the connection to
// the lifecycle controller.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	go s.handleConnection(conn)
}

// HealthHandler reports liveness and basic counts
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	count, err := s.db.MessageCount()
	if err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ok\nuptime: %s\nsessions: %d\nmessages: %d\n",
		time.Since(s.startTime).Round(time.Second), s.sessions.Count(), count)
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.sessions.Count(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}
