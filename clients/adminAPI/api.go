package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	colorfulprint "github.com/Asort97/wgVpnBot/clients/colorfulPrint"
	"github.com/Asort97/wgVpnBot/clients/expiry"
	"github.com/Asort97/wgVpnBot/clients/lifecycle"
	"github.com/Asort97/wgVpnBot/clients/models"
	peerconfig "github.com/Asort97/wgVpnBot/clients/peerConfig"
	wireguard "github.com/Asort97/wgVpnBot/clients/wireGuard"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Peers is the slice of *lifecycle.Manager the API drives.
type Peers interface {
	Provision(ctx context.Context, clientID int64) (models.PeerProfile, error)
	Revoke(ctx context.Context, clientID int64) error
	Purge(ctx context.Context, clientID int64) error
	Renew(ctx context.Context, clientID int64, months int) (time.Time, error)
}

type Configs interface {
	RenderedConfig(clientID int64) ([]byte, error)
}

type Sweeper interface {
	RunOnce(ctx context.Context) (expiry.Report, error)
}

type API struct {
	peers    Peers
	configs  Configs
	sweeper  Sweeper
	gatherer prometheus.Gatherer
	secret   []byte
}

func New(peers Peers, configs Configs, sweeper Sweeper, gatherer prometheus.Gatherer, secret string) *API {
	return &API{
		peers:    peers,
		configs:  configs,
		sweeper:  sweeper,
		gatherer: gatherer,
		secret:   []byte(secret),
	}
}

// Handler returns a router with every route registered.
func (api *API) Handler() http.Handler {
	router := mux.NewRouter()
	api.RegisterRoutes(router)
	return router
}

func (api *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", api.handleHealth).Methods("GET")
	if api.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(api.requireToken)
	v1.HandleFunc("/clients/{clientID}/peer", api.handleProvision).Methods("POST")
	v1.HandleFunc("/clients/{clientID}/peer", api.handleRevoke).Methods("DELETE")
	v1.HandleFunc("/clients/{clientID}/config", api.handleConfig).Methods("GET")
	v1.HandleFunc("/clients/{clientID}/subscription", api.handleRenew).Methods("POST")
	v1.HandleFunc("/sweep", api.handleSweep).Methods("POST")
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func clientID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["clientID"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid client id %q", raw)
	}
	return id, nil
}

type peerResponse struct {
	ClientID        int64  `json:"client_id"`
	Address         string `json:"address"`
	PublicKey       string `json:"public_key"`
	ServerPublicKey string `json:"server_public_key"`
	ServerEndpoint  string `json:"server_endpoint"`
	DNS             string `json:"dns"`
}

func (api *API) handleProvision(w http.ResponseWriter, r *http.Request) {
	id, err := clientID(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid client id", err)
		return
	}

	p, err := api.peers.Provision(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrNoAddressAvailable):
			api.writeError(w, http.StatusConflict, "Address pool exhausted", err)
		case errors.Is(err, wireguard.ErrRegistration), errors.Is(err, wireguard.ErrKeyGeneration):
			api.writeError(w, http.StatusBadGateway, "WireGuard daemon failed", err)
		default:
			api.writeError(w, http.StatusInternalServerError, "Failed to provision peer", err)
		}
		return
	}

	api.writeJSON(w, http.StatusCreated, peerResponse{
		ClientID:        p.ClientID,
		Address:         p.Address.String(),
		PublicKey:       p.PublicKey,
		ServerPublicKey: p.ServerPublicKey,
		ServerEndpoint:  p.ServerEndpoint,
		DNS:             p.DNS,
	})
}

func (api *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := clientID(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid client id", err)
		return
	}

	// ?purge=1 also deletes the config and frees the address.
	remove := api.peers.Revoke
	if r.URL.Query().Get("purge") == "1" {
		remove = api.peers.Purge
	}
	if err := remove(r.Context(), id); err != nil {
		if errors.Is(err, lifecycle.ErrNoPeer) {
			api.writeError(w, http.StatusNotFound, "Client has no peer", nil)
			return
		}
		api.writeError(w, http.StatusBadGateway, "Failed to revoke peer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	id, err := clientID(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid client id", err)
		return
	}

	data, err := api.configs.RenderedConfig(id)
	if err != nil {
		if errors.Is(err, peerconfig.ErrNotFound) {
			api.writeError(w, http.StatusNotFound, "Config not found", nil)
			return
		}
		api.writeError(w, http.StatusInternalServerError, "Failed to read config", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%d.conf", id))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (api *API) handleRenew(w http.ResponseWriter, r *http.Request) {
	id, err := clientID(r)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid client id", err)
		return
	}

	var req struct {
		Months int `json:"months"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	due, err := api.peers.Renew(r.Context(), id, req.Months)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidPeriod) {
			api.writeError(w, http.StatusBadRequest, "Invalid period", err)
			return
		}
		api.writeError(w, http.StatusInternalServerError, "Failed to renew subscription", err)
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_id": id,
		"due_date":  due.Format(models.DateLayout),
	})
}

func (api *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := api.sweeper.RunOnce(r.Context())
	if err != nil {
		if errors.Is(err, expiry.ErrSweepInProgress) {
			api.writeError(w, http.StatusConflict, "Sweep already running", nil)
			return
		}
		api.writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"three_day":   len(report.ThreeDay),
		"one_day":     len(report.OneDay),
		"expired":     len(report.Expired),
		"duration_ms": report.Duration.Milliseconds(),
	})
}

func (api *API) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		colorfulprint.PrintError("[admin] failed to encode response", err)
	}
}

func (api *API) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error":   message,
		"success": false,
	}

	if err != nil {
		response["details"] = err.Error()
		log.Printf("[admin] %s: %v", message, err)
	}

	api.writeJSON(w, statusCode, response)
}
