package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lamyj/dopamine/internal/models"
	"github.com/lamyj/dopamine/pkg/dimse"
)

// DestinationStore is the persistence surface the management API needs.
// The gorm repository implements it; tests swap in an in-memory fake.
type DestinationStore interface {
	Create(ctx context.Context, dest *models.Destination) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Destination, error)
	List(ctx context.Context) ([]models.Destination, error)
	Update(ctx context.Context, dest *models.Destination) error
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateEchoStatus(ctx context.Context, id uuid.UUID, status *models.EchoStatus) error
}

// ManagementHandler exposes the move-destination registry and C-ECHO
// probing over the management API.
type ManagementHandler struct {
	destinations DestinationStore
	localAET     string

	mu    sync.Mutex
	pools map[uuid.UUID]*dimse.AssociationPool
}

func NewManagementHandler(destinations DestinationStore, localAET string) *ManagementHandler {
	return &ManagementHandler{
		destinations: destinations,
		localAET:     localAET,
		pools:        make(map[uuid.UUID]*dimse.AssociationPool),
	}
}

// CreateDestination registers a new move destination
func (h *ManagementHandler) CreateDestination(w http.ResponseWriter, r *http.Request) {
	var req models.DestinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateDestination(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dest := &models.Destination{
		AETitle:     strings.TrimSpace(req.AETitle),
		Host:        req.Host,
		Port:        req.Port,
		Description: req.Description,
		IsActive:    req.IsActive,
	}
	if err := h.destinations.Create(r.Context(), dest); err != nil {
		log.Error().Err(err).Str("ae_title", dest.AETitle).Msg("Failed to create destination")
		http.Error(w, "Failed to create destination", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(dest)
}

// ListDestinations returns all registered destinations
func (h *ManagementHandler) ListDestinations(w http.ResponseWriter, r *http.Request) {
	destinations, err := h.destinations.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list destinations")
		http.Error(w, "Failed to list destinations", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(destinations)
}

// GetDestination returns one destination by ID
func (h *ManagementHandler) GetDestination(w http.ResponseWriter, r *http.Request) {
	dest, ok := h.lookup(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dest)
}

// UpdateDestination replaces a destination's address and status
func (h *ManagementHandler) UpdateDestination(w http.ResponseWriter, r *http.Request) {
	dest, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req models.DestinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateDestination(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dest.AETitle = strings.TrimSpace(req.AETitle)
	dest.Host = req.Host
	dest.Port = req.Port
	dest.Description = req.Description
	dest.IsActive = req.IsActive
	if err := h.destinations.Update(r.Context(), dest); err != nil {
		log.Error().Err(err).Str("id", dest.ID.String()).Msg("Failed to update destination")
		http.Error(w, "Failed to update destination", http.StatusInternalServerError)
		return
	}
	// The pool, if any, still points at the old address.
	h.dropPool(dest.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dest)
}

// DeleteDestination removes a destination
func (h *ManagementHandler) DeleteDestination(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid destination ID", http.StatusBadRequest)
		return
	}

	if err := h.destinations.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrDestinationNotFound) {
			http.Error(w, "Destination not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("id", id.String()).Msg("Failed to delete destination")
		http.Error(w, "Failed to delete destination", http.StatusInternalServerError)
		return
	}
	h.dropPool(id)

	w.WriteHeader(http.StatusNoContent)
}

// ProbeDestination sends a C-ECHO to a registered destination and records
// the outcome on the destination row.
func (h *ManagementHandler) ProbeDestination(w http.ResponseWriter, r *http.Request) {
	dest, ok := h.lookup(w, r)
	if !ok {
		return
	}

	status := h.probe(r.Context(), dest)
	if err := h.destinations.UpdateEchoStatus(r.Context(), dest.ID, status); err != nil {
		log.Warn().Err(err).Str("id", dest.ID.String()).Msg("Failed to record echo status")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// TestDestination sends a C-ECHO to an unsaved destination address.
func (h *ManagementHandler) TestDestination(w http.ResponseWriter, r *http.Request) {
	var req models.DestinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateDestination(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := &models.EchoStatus{LastChecked: time.Now()}
	started := time.Now()
	assoc := dimse.NewAssociation(dimse.AssociationConfig{
		Host:       req.Host,
		Port:       req.Port,
		CallingAET: h.localAET,
		CalledAET:  strings.TrimSpace(req.AETitle),
		Timeout:    10 * time.Second,
	})
	err := assoc.Connect(r.Context())
	if err == nil {
		err = assoc.Echo(r.Context())
		assoc.Close()
	}
	status.ResponseTime = time.Since(started).Milliseconds()
	status.Reachable = err == nil
	if err != nil {
		status.ErrorMessage = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *ManagementHandler) probe(ctx context.Context, dest *models.Destination) *models.EchoStatus {
	status := &models.EchoStatus{LastChecked: time.Now()}
	started := time.Now()

	assoc, err := h.poolFor(dest).Get(ctx)
	if err == nil {
		err = assoc.Echo(ctx)
		h.poolFor(dest).Put(assoc)
	}
	status.ResponseTime = time.Since(started).Milliseconds()
	status.Reachable = err == nil
	if err != nil {
		status.ErrorMessage = err.Error()
		log.Warn().Err(err).Str("ae_title", dest.AETitle).Msg("Destination probe failed")
	}
	return status
}

func (h *ManagementHandler) poolFor(dest *models.Destination) *dimse.AssociationPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pool, ok := h.pools[dest.ID]; ok {
		return pool
	}
	pool := dimse.NewAssociationPool(dimse.PoolConfig{
		AssociationConfig: dimse.AssociationConfig{
			Host:       dest.Host,
			Port:       dest.Port,
			CallingAET: h.localAET,
			CalledAET:  dest.AETitle,
			Timeout:    10 * time.Second,
		},
		MaxPoolSize: 2,
	})
	h.pools[dest.ID] = pool
	return pool
}

func (h *ManagementHandler) dropPool(id uuid.UUID) {
	h.mu.Lock()
	pool, ok := h.pools[id]
	delete(h.pools, id)
	h.mu.Unlock()
	if ok {
		pool.Close()
	}
}

// Close releases the probe association pools.
func (h *ManagementHandler) Close() {
	h.mu.Lock()
	pools := h.pools
	h.pools = make(map[uuid.UUID]*dimse.AssociationPool)
	h.mu.Unlock()
	for _, pool := range pools {
		pool.Close()
	}
}

func (h *ManagementHandler) lookup(w http.ResponseWriter, r *http.Request) (*models.Destination, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid destination ID", http.StatusBadRequest)
		return nil, false
	}

	dest, err := h.destinations.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrDestinationNotFound) {
			http.Error(w, "Destination not found", http.StatusNotFound)
			return nil, false
		}
		log.Error().Err(err).Str("id", id.String()).Msg("Failed to load destination")
		http.Error(w, "Failed to load destination", http.StatusInternalServerError)
		return nil, false
	}
	return dest, true
}

func validateDestination(req *models.DestinationRequest) error {
	aeTitle := strings.TrimSpace(req.AETitle)
	if aeTitle == "" || len(aeTitle) > 16 {
		return errors.New("ae_title must be 1 to 16 characters")
	}
	if req.Host == "" {
		return errors.New("host is required")
	}
	if req.Port < 1 || req.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}
