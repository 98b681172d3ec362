package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// refreshAbout queries the daemon's "about" RPC once and caches the
// result for handleAbout. Failures are logged but not fatal: the gateway
// serves /v1/about with whatever it has, including nothing, rather than
// refuse to start because signal-cli was slow to answer one call.
func (s *Server) refreshAbout(ctx context.Context) {
	raw, err := s.rpc.Call(ctx, "about", nil)
	if err != nil {
		s.log.Warn("about RPC failed", zap.Error(err))
		return
	}

	var info aboutInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		s.log.Warn("about RPC returned unparseable result", zap.Error(err))
		return
	}
	info.GatewayVersion = s.version
	s.aboutCached.Store(&info)
}

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	info := s.aboutCached.Load()
	if info == nil {
		info = &aboutInfo{GatewayVersion: s.version}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}
