package agent

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// Server is the agent's HTTP surface, consumed by machine.HTTPMachine.
type Server struct {
	cfg      *Config
	executor *Executor
}

// NewServer creates a new Server.
func NewServer(cfg *Config, executor *Executor) *Server {
	return &Server{cfg: cfg, executor: executor}
}

// Start runs the HTTP server. It blocks until the server stops or errors.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/poll", s.handlePoll)
	mux.HandleFunc("/kill", s.handleKill)
	mux.HandleFunc("/finalize", s.handleFinalize)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	log.Printf("[agent] listening on %s (node %s)", addr, s.cfg.NodeID)
	return http.ListenAndServe(addr, mux)
}

type startRequest struct {
	UUID    string `json:"uuid"`
	Kind    string `json:"kind"`
	Command string `json:"command"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if accepted := s.executor.Start(req.UUID, req.Kind, req.Command); !accepted {
		// A duplicate Start for a uuid already running here is a launch
		// rejection, not an error: the caller rolls the bundle back to
		// STAGED and retries later.
		http.Error(w, "already running", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type pollResponse struct {
	UUID    string `json:"uuid"`
	Success bool   `json:"success"`
	TempDir string `json:"temp_dir"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	completion, ok := s.executor.PollOne()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	json.NewEncoder(w).Encode(pollResponse{
		UUID:    completion.BundleUUID,
		Success: completion.Success,
		TempDir: completion.TempDir,
	})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	uuid := r.URL.Query().Get("uuid")
	if uuid == "" {
		http.Error(w, "missing uuid", http.StatusBadRequest)
		return
	}
	if killed := s.executor.Kill(uuid); !killed {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	uuid := r.URL.Query().Get("uuid")
	if uuid == "" {
		http.Error(w, "missing uuid", http.StatusBadRequest)
		return
	}
	if err := s.executor.Finalize(uuid); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
