package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/symi-home/symi-modbus/internal/hub"
)

// apiServer exposes the service calls and the entity state over HTTP. It is
// the replacement for the Home Assistant service-call surface.
type apiServer struct {
	logger  zerolog.Logger
	service *Service
	server  *http.Server
	ln      net.Listener
}

// boolOrList accepts either a single boolean or a list of booleans, matching
// the service schema.
type boolOrList []bool

func (b *boolOrList) UnmarshalJSON(data []byte) error {
	var single bool
	if err := json.Unmarshal(data, &single); err == nil {
		*b = []bool{single}
		return nil
	}
	var list []bool
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*b = list
	return nil
}

// intOrList accepts either a single integer or a list of integers.
type intOrList []int

func (v *intOrList) UnmarshalJSON(data []byte) error {
	var single int
	if err := json.Unmarshal(data, &single); err == nil {
		*v = []int{single}
		return nil
	}
	var list []int
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*v = list
	return nil
}

type writeCoilRequest struct {
	Hub     string     `json:"hub"`
	Slave   *int       `json:"slave"`
	Address *int       `json:"address"`
	State   boolOrList `json:"state"`
}

type writeRegisterRequest struct {
	Hub     string    `json:"hub"`
	Slave   *int      `json:"slave"`
	Address *int      `json:"address"`
	Value   intOrList `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newAPIServer(listen string, svc *Service, logger zerolog.Logger) (*apiServer, error) {
	mux := http.NewServeMux()
	server := &apiServer{logger: logger.With().Str("component", "api").Logger(), service: svc}
	mux.HandleFunc("/api/services/write_coil", server.handleWriteCoil)
	mux.HandleFunc("/api/services/write_register", server.handleWriteRegister)
	mux.HandleFunc("/api/state", server.handleState)
	mux.HandleFunc("/api/health", server.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			server.logger.Error().Err(err).Msg("api server stopped")
		}
	}()

	server.logger.Info().Str("listen", ln.Addr().String()).Msg("api started")
	return server, nil
}

func (s *apiServer) addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *apiServer) handleWriteCoil(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req writeCoilRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Slave == nil || req.Address == nil {
		writeError(w, http.StatusBadRequest, "slave and address are required")
		return
	}
	err := s.service.commands.WriteCoil(req.Hub, *req.Slave, *req.Address, req.State)
	s.respond(w, err)
}

func (s *apiServer) handleWriteRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req writeRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Slave == nil || req.Address == nil {
		writeError(w, http.StatusBadRequest, "slave and address are required")
		return
	}
	err := s.service.commands.WriteRegister(req.Hub, *req.Slave, *req.Address, req.Value)
	s.respond(w, err)
}

func (s *apiServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	states := s.service.entities.Snapshot()
	type switchState struct {
		ID        string    `json:"id"`
		Hub       string    `json:"hub"`
		Slave     uint8     `json:"slave"`
		Coil      uint8     `json:"coil"`
		On        bool      `json:"on"`
		Available bool      `json:"available"`
		LastRead  time.Time `json:"last_read"`
	}
	resp := make([]switchState, 0, len(states))
	for _, state := range states {
		resp = append(resp, switchState{
			ID:        state.ID,
			Hub:       state.Hub,
			Slave:     state.Slave,
			Coil:      state.Coil,
			On:        state.On,
			Available: state.Available,
			LastRead:  state.LastRead,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("encode state response")
	}
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// respond maps command-layer failures to HTTP status codes. Validation is
// the caller's fault, an unknown hub is addressing a dead transport, guard
// vetoes are forbidden, everything else is a downstream device failure.
func (s *apiServer) respond(w http.ResponseWriter, err error) {
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
		return
	}
	var guardErr *GuardError
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &guardErr):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, hub.ErrUnknownHub):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}

func (s *apiServer) close() {
	if s == nil || s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown api server")
	}
}
