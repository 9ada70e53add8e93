// Package fleet serves the dashboard REST API and WebSocket push.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kilianp07/buoyfleet/core/connection"
	"github.com/kilianp07/buoyfleet/core/geo"
	"github.com/kilianp07/buoyfleet/core/model"
	"github.com/kilianp07/buoyfleet/infra/controlplane"
	"github.com/kilianp07/buoyfleet/infra/logger"
	"github.com/kilianp07/buoyfleet/infra/mqtt"
)

// Vehicles yields the current projection.
type Vehicles interface {
	Vehicles() []model.Vehicle
}

// Connections drives the connection workflow.
type Connections interface {
	Status() connection.Status
	Scan(ctx context.Context) []string
	SetAutoRetry(on bool)
	Connect(ctx context.Context, ip string) error
	Remove(ctx context.Context, ip string, port int)
	ClearConnectError()
}

// Navigator forwards steering commands to the control plane.
type Navigator interface {
	Goto(ctx context.Context, ip string, port int, req controlplane.GotoRequest) error
	StopGoto(ctx context.Context, ip string, port int) error
	SetState(ctx context.Context, ip string, port int, state string) error
	IsGoing(ctx context.Context, ip string, port int) (bool, error)
}

// Broker reports the MQTT session.
type Broker interface {
	Status() mqtt.Status
}

// Deps are the components behind the API.
type Deps struct {
	Vehicles    Vehicles
	Connections Connections
	Navigator   Navigator
	Broker      Broker
	// Now defaults to time.Now.
	Now func() time.Time
}

// Disconnection is an offline vehicle and how long it has been offline.
type Disconnection struct {
	Since   time.Time `json:"since"`
	Elapsed string    `json:"elapsed"`
}

// ConnectionView is the workflow status as shown to operators.
type ConnectionView struct {
	ScannedIPs    []string                 `json:"scanned_ips"`
	Scanning      bool                     `json:"scanning"`
	ConnectingIPs []string                 `json:"connecting_ips"`
	ConnectError  *string                  `json:"connect_error"`
	AutoRetry     bool                     `json:"auto_retry"`
	OnlineCount   int                      `json:"online_count"`
	Disconnected  map[string]Disconnection `json:"disconnected"`
}

// Summary aggregates the fleet.
type Summary struct {
	Total       int        `json:"total"`
	OnlineCount int        `json:"online_count"`
	Centroid    *geo.Point `json:"centroid"`
	// SpreadMeters is the distance from the centroid to the farthest vehicle.
	SpreadMeters float64 `json:"spread_m"`
}

// Snapshot is pushed to WebSocket clients on every change and tick.
type Snapshot struct {
	Vehicles   []model.Vehicle `json:"vehicles"`
	Connection ConnectionView  `json:"connection"`
}

// Server exposes the dashboard.
type Server struct {
	cfg  Config
	deps Deps
	hub  *Hub
	log  logger.Logger
}

// New creates a Server.
func New(cfg Config, deps Deps, log logger.Logger) *Server {
	cfg.SetDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		hub:  NewHub(cfg.AllowedOrigins, cfg.WriteTimeout(), log),
		log:  log,
	}
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/vehicles", s.handleVehicles)
	mux.HandleFunc("GET /api/fleet", s.handleSummary)
	mux.HandleFunc("GET /api/connection", s.handleConnection)
	mux.HandleFunc("POST /api/scan", s.handleScan)
	mux.HandleFunc("PUT /api/autoretry", s.handleAutoRetry)
	mux.HandleFunc("POST /api/buoys", s.handleConnect)
	mux.HandleFunc("DELETE /api/buoys/{id}", s.handleRemove)
	mux.HandleFunc("DELETE /api/connect-error", s.handleClearError)
	mux.HandleFunc("GET /api/broker", s.handleBroker)
	mux.HandleFunc("POST /api/buoys/{id}/goto", s.handleGoto)
	mux.HandleFunc("POST /api/buoys/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/buoys/{id}/state", s.handleState)
	mux.HandleFunc("GET /api/buoys/{id}/going", s.handleGoing)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Snapshot builds the current dashboard payload.
func (s *Server) Snapshot() Snapshot {
	return Snapshot{Vehicles: s.deps.Vehicles.Vehicles(), Connection: s.connectionView()}
}

// Push broadcasts the current snapshot.
func (s *Server) Push() { s.hub.Broadcast(s.Snapshot()) }

// Run serves on cfg.Addr until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("http shutdown: %v", err)
		}
		cancel()
		s.hub.Close()
	}()
	s.log.Infof("serving dashboard API on %s", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) connectionView() ConnectionView {
	st := s.deps.Connections.Status()
	now := s.deps.Now()
	view := ConnectionView{
		ScannedIPs:    st.ScannedIPs,
		Scanning:      st.Scanning,
		ConnectingIPs: st.ConnectingIPs,
		ConnectError:  st.ConnectError,
		AutoRetry:     st.AutoRetry,
		OnlineCount:   st.OnlineCount,
		Disconnected:  make(map[string]Disconnection, len(st.DisconnectedSince)),
	}
	for id, since := range st.DisconnectedSince {
		view.Disconnected[id] = Disconnection{Since: since, Elapsed: connection.FormatDuration(now.Sub(since))}
	}
	return view
}

func (s *Server) handleVehicles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Vehicles.Vehicles())
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	vs := s.deps.Vehicles.Vehicles()
	sum := Summary{Total: len(vs)}
	for _, v := range vs {
		if v.IsOnline {
			sum.OnlineCount++
		}
	}
	if c, ok := geo.Centroid(vs); ok {
		sum.Centroid = &c
		for _, v := range vs {
			sum.SpreadMeters = max(sum.SpreadMeters, geo.Haversine(c, geo.Point{Lat: v.Lat, Lon: v.Lon}))
		}
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleConnection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.connectionView())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	found := s.deps.Connections.Scan(r.Context())
	writeJSON(w, http.StatusOK, map[string][]string{"found": found})
}

func (s *Server) handleAutoRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	s.deps.Connections.SetAutoRetry(*req.Enabled)
	writeJSON(w, http.StatusOK, s.connectionView())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !model.IsIPv4(req.IP) {
		writeError(w, http.StatusBadRequest, "body must be {\"ip\": IPv4 address}")
		return
	}
	// the attach outlives the request
	ctx := context.WithoutCancel(r.Context())
	if err := s.deps.Connections.Connect(ctx, req.IP); err != nil {
		writeError(w, upstreamStatus(err), connection.ErrorMessage(err, connection.DefaultConnectError))
		return
	}
	writeJSON(w, http.StatusCreated, s.connectionView())
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	ip, port, ok := parseID(w, r)
	if !ok {
		return
	}
	s.deps.Connections.Remove(context.WithoutCancel(r.Context()), ip, port)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearError(w http.ResponseWriter, _ *http.Request) {
	s.deps.Connections.ClearConnectError()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBroker(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Broker.Status())
}

func (s *Server) handleGoto(w http.ResponseWriter, r *http.Request) {
	ip, port, ok := parseID(w, r)
	if !ok {
		return
	}
	var req struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
		Alt *float64 `json:"alt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Lat == nil || req.Lon == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"lat\": number, \"lon\": number, \"alt\"?: number}")
		return
	}
	err := s.deps.Navigator.Goto(r.Context(), ip, port, controlplane.GotoRequest{Lat: *req.Lat, Lon: *req.Lon, Alt: req.Alt})
	s.writeCommandResult(w, err)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ip, port, ok := parseID(w, r)
	if !ok {
		return
	}
	s.writeCommandResult(w, s.deps.Navigator.StopGoto(r.Context(), ip, port))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ip, port, ok := parseID(w, r)
	if !ok {
		return
	}
	var req struct {
		State string `json:"stato"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.State == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"stato\": string}")
		return
	}
	s.writeCommandResult(w, s.deps.Navigator.SetState(r.Context(), ip, port, req.State))
}

func (s *Server) handleGoing(w http.ResponseWriter, r *http.Request) {
	ip, port, ok := parseID(w, r)
	if !ok {
		return
	}
	going, err := s.deps.Navigator.IsGoing(r.Context(), ip, port)
	if err != nil {
		s.writeCommandResult(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isgoing": going})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, s.Snapshot())
}

// writeCommandResult relays control-plane rejections with their status.
func (s *Server) writeCommandResult(w http.ResponseWriter, err error) {
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.log.Warnf("navigation command failed: %v", err)
	writeError(w, upstreamStatus(err), connection.ErrorMessage(err, "command failed"))
}

// upstreamStatus is the control-plane rejection status, or 502 when the
// call failed without one.
func upstreamStatus(err error) int {
	var apiErr *controlplane.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 {
		return apiErr.StatusCode
	}
	return http.StatusBadGateway
}

func parseID(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	ip, port, err := model.ParseDeviceID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", 0, false
	}
	return ip, port, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
