package ws

import (
	"encoding/json"
	"net/http"
)

// WelcomeMessage is the greeting every subscriber receives first.
const WelcomeMessage = "Connected to eBPF event stream"

const (
	msgMethodNotAllowed = "Method not allowed"
	msgUpgradeRequired  = "Upgrade required"
	msgTooManyClients   = "Too many connections"
)

// ErrorBody is the JSON shape of every rejection the gate writes.
type ErrorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorBody{Error: msg})
}
