package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"pow-ledger/block"
	"pow-ledger/ledger"
	"pow-ledger/logger"
	"pow-ledger/network"
	"pow-ledger/protocol"
	"pow-ledger/registry"
	"pow-ledger/store"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

var log = logger.Logger

const maxBodyBytes = 4 << 20

// Server represents the API server
type Server struct {
	*mux.Router

	port       string
	network    LedgerNetwork
	httpServer *http.Server

	availablePaths []string
}

// NewServer creates a new API server over the given nodes
func NewServer(port string, nodes LedgerNetwork) *Server {
	log.WithField("port", port).Info("Creating new ledger API server")

	s := &Server{
		Router:         mux.NewRouter(),
		port:           port,
		network:        nodes,
		availablePaths: make([]string, 0),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.register("/", s.handleHome, http.MethodGet)
	s.register("/api/health", s.handleHealth, http.MethodGet)
	s.register("/api/nodes", s.handleNodes, http.MethodGet)
	s.register("/api/nodes/{id}/chain", s.handleGetChain, http.MethodGet)
	s.register("/api/nodes/{id}/blocks", s.handleAppend, http.MethodPost)
	s.register("/api/nodes/{id}/tamper", s.handleTamper, http.MethodPost)
	s.register("/api/nodes/{id}/rewrite", s.handleRewrite, http.MethodPost)
	s.register("/api/nodes/{id}/sync", s.handleSync, http.MethodPost)
	s.register("/api/nodes/{id}/export", s.handleExport, http.MethodGet)
	s.register("/api/nodes/{id}/import", s.handleImport, http.MethodPut)
	s.register("/api/nodes/{id}/checkpoints/{name}", s.handleCheckpoint, http.MethodPost)
	s.register("/api/nodes/{id}/checkpoints/{name}/restore", s.handleRestore, http.MethodPost)
	s.register("/api/checkpoints", s.handleListCheckpoints, http.MethodGet)
	s.register("/api/consensus", s.handleConsensus, http.MethodPost)
	s.register("/api/logs", s.handleLogs, http.MethodGet)
	s.register("/api/logs/stats", s.handleLogStats, http.MethodGet)

	s.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Endpoint not found")
	})
	s.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

func (s *Server) register(path string, fn http.HandlerFunc, method string) {
	s.HandleFunc(path, fn).Methods(method)
	s.availablePaths = append(s.availablePaths, method+" "+path)
}

// Handler returns the router wrapped in the CORS and logging middleware
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.loggingMiddleware(s.Router))
}

// Start starts the API server and blocks until it stops
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(logger.Fields{
		"port":   s.port,
		"routes": len(s.availablePaths),
		"nodes":  s.network.Nodes(),
	}).Info("Ledger API server listening")

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("HTTP server failed to start or stopped with error")
		return err
	}
	return nil
}

// Stop stops the API server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		log.Warn("HTTP server was already nil, nothing to stop")
		return nil
	}

	log.WithField("address", s.httpServer.Addr).Info("Closing HTTP server")
	err := s.httpServer.Close()
	if err != nil {
		log.WithError(err).Error("Error occurred while stopping HTTP server")
	}
	return err
}

// Middleware for CORS
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Middleware for logging
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		log.WithFields(logger.Fields{
			"method":   r.Method,
			"url":      r.URL.Path,
			"duration": time.Since(start).String(),
			"remote":   r.RemoteAddr,
		}).Info("API request processed")
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeSuccess writes a success response
func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}, message string) {
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// writeFailure maps a network error onto an HTTP status
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	} else {
		log.WithError(err).Debug("Request rejected")
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, block.ErrIndexOutOfRange),
		errors.Is(err, block.ErrMalformedChainState),
		errors.Is(err, block.ErrDifficultyOutOfBounds),
		errors.Is(err, ledger.ErrEmptyLedger),
		errors.Is(err, store.ErrEmptyKey):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnknownNode),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, network.ErrClosed),
		errors.Is(err, logger.ErrNoDatabase):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

// handleHome lists the available endpoints
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	homeData := map[string]interface{}{
		"service":     "PoW Ledger API",
		"description": "Proof-of-work ledgers with majority-of-identical-chains consensus",
		"endpoints":   s.availablePaths,
		"timestamp":   time.Now(),
	}
	s.writeSuccess(w, homeData, "PoW Ledger API is running")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now(),
		"nodes":      len(s.network.Nodes()),
		"difficulty": s.network.Difficulty(),
	}
	s.writeSuccess(w, healthData, "API server is healthy")
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.network.Status()
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	s.writeSuccess(w, NodesResponse{
		Nodes:      statuses,
		NodeCount:  len(statuses),
		Difficulty: s.network.Difficulty(),
	}, fmt.Sprintf("Found %d nodes", len(statuses)))
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	chain, err := s.network.GetChain(nodeID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	s.writeSuccess(w, protocol.ChainResponse{
		NodeID:     nodeID,
		Difficulty: s.network.Difficulty(),
		Length:     len(chain),
		Valid:      chain.IsValid(),
		Blocks:     chain,
	}, fmt.Sprintf("Node %s holds %d blocks", nodeID, len(chain)))
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	var req protocol.AppendRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	mined, err := s.network.Append(nodeID, req.Data)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	log.WithFields(logger.Fields{
		"nodeID": nodeID,
		"hash":   mined.Hash,
		"nonce":  mined.Nonce,
	}).Info("Block appended via API")
	s.writeSuccess(w, protocol.BlockResponse{NodeID: nodeID, Block: mined}, "Block mined and appended")
}

func (s *Server) handleTamper(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	var req protocol.TamperRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.network.Tamper(nodeID, req.Index, req.Data); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, req, fmt.Sprintf("Block %d of node %s corrupted", req.Index, nodeID))
}

func (s *Server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	var req protocol.TamperRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.network.RewriteHistory(nodeID, req.Index, req.Data); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, req, fmt.Sprintf("History of node %s rewritten from block %d", nodeID, req.Index))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	var req protocol.SyncRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.network.Sync(nodeID, req.Source); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, req, fmt.Sprintf("Node %s synced from %s", nodeID, req.Source))
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	result, err := s.network.ResolveConsensus()
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	s.writeSuccess(w, protocol.NewConsensusResponse(result),
		fmt.Sprintf("Majority of %d adopted by %d nodes", len(result.Members), len(result.Adopted)))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	data, err := s.network.Export(nodeID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, json.RawMessage(data), fmt.Sprintf("Chain of node %s exported", nodeID))
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if err := s.network.Import(nodeID, data); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, nil, fmt.Sprintf("Chain imported into node %s", nodeID))
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.network.Checkpoint(r.Context(), vars["id"], vars["name"]); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, protocol.CheckpointResponse{NodeID: vars["id"], Name: vars["name"]}, "Checkpoint saved")
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.network.Restore(r.Context(), vars["id"], vars["name"]); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, protocol.CheckpointResponse{NodeID: vars["id"], Name: vars["name"]}, "Checkpoint restored")
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	names, err := s.network.Checkpoints(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, names, fmt.Sprintf("Found %d checkpoints", len(names)))
}

// handleLogs serves ?search=text or ?level=info&since=RFC3339&until=RFC3339, both with &limit=n
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 100
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	since, sinceErr := parseTimeParam(query.Get("since"))
	until, untilErr := parseTimeParam(query.Get("until"))
	if sinceErr != nil || untilErr != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid time range, use RFC3339")
		return
	}

	entries, err := logger.QueryLogs(logger.Query{
		Level:  query.Get("level"),
		NodeID: query.Get("node"),
		Text:   query.Get("search"),
		Since:  since,
		Until:  until,
		Limit:  limit,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	s.writeSuccess(w, entries, fmt.Sprintf("Found %d log entries", len(entries)))
}

func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := logger.GetLogStats()
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, stats, "Log statistics")
}
