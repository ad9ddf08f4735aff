package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/lamyj/dopamine/internal/database"
)

// HealthHandler reports the state of the node's backing services: the
// relational database and the document store.
type HealthHandler struct {
	mongo *mongo.Client
}

func NewHealthHandler(mongoClient *mongo.Client) *HealthHandler {
	return &HealthHandler{mongo: mongoClient}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if databaseHealthy() {
		response.Services["database"] = "healthy"
	} else {
		response.Services["database"] = "unhealthy"
		response.Status = "degraded"
	}

	if h.mongoHealthy(r.Context()) {
		response.Services["document_store"] = "healthy"
	} else {
		response.Services["document_store"] = "unhealthy"
		response.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !databaseHealthy() || !h.mongoHealthy(r.Context()) {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func databaseHealthy() bool {
	if database.DB == nil {
		return false
	}
	sqlDB, err := database.DB.DB()
	return err == nil && sqlDB.Ping() == nil
}

func (h *HealthHandler) mongoHealthy(ctx context.Context) bool {
	if h.mongo == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return h.mongo.Ping(pingCtx, readpref.Primary()) == nil
}
