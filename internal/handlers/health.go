package handlers

import (
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/claworc/ssh-service/internal/database"
	"github.com/gluk-w/claworc/ssh-service/internal/registry"
)

// Set from main.go during init.
var (
	Registry  *registry.Registry
	Clients   interface{ ClientCount() int }
	StartedAt = time.Now()
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	connections := 0
	if Registry != nil {
		connections = Registry.Size()
	}
	clients := 0
	if Clients != nil {
		clients = Clients.ClientCount()
	}

	uptime := time.Since(StartedAt)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"connections":  connections,
		"clients":      clients,
		"uptime":       uptime.Seconds(),
		"uptime_human": units.HumanDuration(uptime),
		"database":     dbStatus,
	})
}

// ListConnections returns every live session in the registry.
func ListConnections(w http.ResponseWriter, r *http.Request) {
	if Registry == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"connections": []registry.Entry{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": Registry.Snapshot()})
}
