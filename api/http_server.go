package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/kutluhann/overlay-dht/constants"
	"github.com/kutluhann/overlay-dht/dht"
	"github.com/kutluhann/overlay-dht/id_tools"
)

// StoreRequest represents the JSON payload for storing data
type StoreRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// StoreResponse represents the response after storing
type StoreResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	KeyHash string `json:"key_hash"` // Position of the key in the id space
}

// GetRequest represents the JSON payload for retrieving data (or a range)
type GetRequest struct {
	Key string `json:"key"`
}

// GetResponse represents the response after retrieval
type GetResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	KeyHash   string `json:"key_hash"`
	Value     string `json:"value,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// BucketInfo is one non-empty bucket of the routing table
type BucketInfo struct {
	Index    int               `json:"index"`
	Contacts []dht.ContactInfo `json:"contacts"`
}

// HTTPServer wraps the DHT node and provides HTTP endpoints
type HTTPServer struct {
	Node *dht.Node
	Port int

	server *http.Server
	log    log.Logger
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(node *dht.Node, port int) *HTTPServer {
	return &HTTPServer{
		Node: node,
		Port: port,
		log:  log.Root().New("module", "http"),
	}
}

// Handler returns the API routes
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/store", s.handleStore)
	mux.HandleFunc("/get", s.handleGet)
	mux.HandleFunc("/range", s.handleRange)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/routing-table", s.handleRoutingTable)
	return mux
}

// Start begins listening for HTTP requests and blocks until Shutdown
func (s *HTTPServer) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("starting http api", "addr", s.server.Addr)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleStore handles POST requests to store data in the DHT
func (s *HTTPServer) handleStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StoreRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Key == "" || req.Value == "" {
		http.Error(w, "Key and value are required", http.StatusBadRequest)
		return
	}

	keyHash := id_tools.FromKey(req.Key).String()
	s.log.Debug("store request", "key", req.Key, "hash", keyHash[:16], "size", len(req.Value))

	if err := s.Node.Put(r.Context(), req.Key, []byte(req.Value)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dht.ErrValidation) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, StoreResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to store: %v", err),
			KeyHash: keyHash,
		})
		return
	}

	writeJSON(w, http.StatusOK, StoreResponse{
		Success: true,
		Message: "Successfully stored in DHT",
		KeyHash: keyHash,
	})
}

// handleGet handles POST requests to retrieve data from the DHT
func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := s.readKey(w, r)
	if !ok {
		return
	}
	keyHash := id_tools.FromKey(key).String()

	item, err := s.Node.GetItem(r.Context(), key)
	if err != nil {
		writeJSON(w, lookupStatus(err), GetResponse{
			Success: false,
			Message: fmt.Sprintf("Key not found: %v", err),
			KeyHash: keyHash,
		})
		return
	}

	writeJSON(w, http.StatusOK, GetResponse{
		Success:   true,
		KeyHash:   keyHash,
		Value:     string(item.Value),
		Publisher: item.Publisher.String(),
		Timestamp: item.Timestamp,
	})
}

// handleRange handles POST requests for range queries
func (s *HTTPServer) handleRange(w http.ResponseWriter, r *http.Request) {
	key, ok := s.readKey(w, r)
	if !ok {
		return
	}
	keyHash := id_tools.FromKey(key).String()

	data, err := s.Node.GetRange(r.Context(), key)
	if err != nil {
		writeJSON(w, lookupStatus(err), GetResponse{
			Success: false,
			Message: fmt.Sprintf("Range not found: %v", err),
			KeyHash: keyHash,
		})
		return
	}
	writeJSON(w, http.StatusOK, GetResponse{Success: true, KeyHash: keyHash, Value: string(data)})
}

func (s *HTTPServer) readKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	var req GetRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	if req.Key == "" {
		http.Error(w, "Key is required", http.StatusBadRequest)
		return "", false
	}
	return req.Key, true
}

// handleStatus returns information about the node
func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Node.Status(r.Context()))
}

// handleHealth is a simple health check endpoint
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HTTPServer) handleRoutingTable(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	buckets := []BucketInfo{}
	for i := 0; i < constants.KeySizeBits; i++ {
		contacts := s.Node.Router().BucketContacts(i)
		if len(contacts) == 0 {
			continue
		}
		info := BucketInfo{Index: i}
		for _, c := range contacts {
			info.Contacts = append(info.Contacts, c.Info())
		}
		buckets = append(buckets, info)
	}
	writeJSON(w, http.StatusOK, buckets)
}

func lookupStatus(err error) int {
	if errors.Is(err, dht.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, constants.MaxFrameSize))
	if err != nil {
		return errors.New("Failed to read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("Invalid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
