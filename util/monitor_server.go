package util

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

const monitorShutdownTimeout = 5 * time.Second

type MonitorServer struct {
	running *sync.Mutex
	srv     *http.Server
	srvMu   sync.RWMutex // protects srv field
	router  *mux.Router
	port    int
}

func NewMonitorServer(port int) *MonitorServer {
	var s MonitorServer
	s.running = &sync.Mutex{}
	s.srv = &http.Server{}
	s.router = mux.NewRouter()
	s.port = port
	return &s
}

func (s *MonitorServer) Start() error {
	// held until ListenAndServe returns
	if !s.running.TryLock() {
		return fmt.Errorf("already running")
	}

	newSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srvMu.Lock()
	s.srv = newSrv
	s.srvMu.Unlock()

	go func() {
		defer s.running.Unlock()
		if err := newSrv.ListenAndServe(); err != http.ErrServerClosed {
			Logger.Warn().Msgf("Problem loading monitor server: %v", err)
		}
		Logger.Debug().Msg("monitor server shutdown")
	}()
	return nil
}

// Handler exposes the router, mainly for httptest.
func (s *MonitorServer) Handler() http.Handler {
	return s.router
}

func (s *MonitorServer) AddHandler(path string, handler func(http.ResponseWriter, *http.Request), methods ...string) {
	route := s.router.HandleFunc(path, handler)
	if len(methods) > 0 {
		route.Methods(methods...)
	}
}

func (s *MonitorServer) AddRawHandler(path string, handler http.Handler) {
	s.router.Handle(path, handler)
}

// Shutdown stops a running server and waits for Start's goroutine to exit.
func (s *MonitorServer) Shutdown(ctx context.Context) error {
	if s.running.TryLock() { // not running
		s.running.Unlock()
		return nil
	}

	s.srvMu.RLock()
	currentSrv := s.srv
	s.srvMu.RUnlock()

	if err := currentSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down monitor server: %w", err)
	}
	s.running.Lock() // released once ListenAndServe has returned
	s.running.Unlock()
	return nil
}

func (s *MonitorServer) Restart() {
	Logger.Debug().Msg("restarting monitor server")
	ctx, cancel := context.WithTimeout(context.Background(), monitorShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		Logger.Error().Msgf("Error shutting down monitor server: %v", err)
	}
	Logger.Debug().Msg("http not running - good for startup")
	if err := s.Start(); err != nil {
		Logger.Error().Msgf("Error starting monitor server: %v", err)
	}
}
