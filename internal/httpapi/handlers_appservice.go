package httpapi

import "github.com/gorilla/mux"

// appServiceRegistrar is satisfied by matrix.AppServiceAdapter. Kept
// as a narrow local interface so httpapi doesn't need to import
// internal/matrix just for this one wiring call.
type appServiceRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// MountAppService adds the homeserver-facing transaction endpoint
// (§6 "HTTP, inbound from homeserver") onto the same router the public
// API uses. Only called in appservice mode.
func (s *Server) MountAppService(r *mux.Router, a appServiceRegistrar) {
	a.RegisterRoutes(r)
}
