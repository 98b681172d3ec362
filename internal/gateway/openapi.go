package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
)

// handleOpenAPI serves a generated OpenAPI document describing every
// route in routeTable plus the streaming and webhook endpoints. It's
// built from the same table that drives dispatch, so it can't drift out
// of sync with what the gateway actually serves.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "signal-cli gateway",
			"version": s.version,
		},
		"paths": s.openAPIPaths(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

func (s *Server) openAPIPaths() map[string]any {
	paths := map[string]any{}
	add := func(pattern, method, summary string) {
		entry, ok := paths[pattern].(map[string]any)
		if !ok {
			entry = map[string]any{}
			paths[pattern] = entry
		}
		entry[method] = map[string]any{"summary": summary}
	}

	for _, rt := range routeTable {
		add(rt.pattern, strings.ToLower(rt.method), "dispatches to "+rt.rpc)
	}
	add("/v1/receive/{number}", "get", "websocket notification stream")
	add("/v1/events/{number}", "get", "server-sent-events notification stream")
	add("/v1/webhooks", "get", "list webhook registrations")
	add("/v1/webhooks", "post", "create a webhook registration")
	add("/v1/webhooks/{id}", "delete", "remove a webhook registration")
	add("/v1/health", "get", "liveness probe")
	add("/v1/about", "get", "gateway and daemon build info")

	return paths
}

const docsHTML = `<!DOCTYPE html>
<html>
<head><title>signal-cli gateway</title></head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
<script>
window.onload = function() {
  SwaggerUIBundle({ url: "/v1/openapi.json", dom_id: "#swagger-ui" });
};
</script>
</body>
</html>`

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(docsHTML))
}
