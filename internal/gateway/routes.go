package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// routeSpec describes one REST-to-RPC mapping. pattern follows the
// stdlib net/http method-and-wildcard syntax ("POST /v1/send",
// "PUT /v1/groups/{number}/{groupid}"). defaults seeds the RPC params
// map before path values and the request body are layered on top, which
// is how two routes that share a path but differ by HTTP verb (typing
// indicator start/stop, reaction add/remove) can dispatch to the same RPC
// method with different fixed fields.
type routeSpec struct {
	method   string
	pattern  string
	rpc      string
	defaults map[string]any
}

var routeTable = []routeSpec{
	{"POST", "/v2/send", "send", nil},
	{"POST", "/v1/send", "send", nil},

	{"POST", "/v1/remote_delete/{number}", "remoteDelete", nil},

	{"PUT", "/v1/typing-indicator/{number}", "sendTyping", map[string]any{"typing": true}},
	{"DELETE", "/v1/typing-indicator/{number}", "sendTyping", map[string]any{"typing": false}},

	{"POST", "/v1/reactions/{number}", "sendReaction", map[string]any{"remove": false}},
	{"DELETE", "/v1/reactions/{number}", "sendReaction", map[string]any{"remove": true}},

	{"POST", "/v1/receipts/{number}", "sendReceipt", nil},

	{"GET", "/v1/groups/{number}", "listGroups", nil},
	{"POST", "/v1/groups/{number}", "createGroup", nil},
	{"GET", "/v1/groups/{number}/{groupid}", "listGroups", nil},
	{"PUT", "/v1/groups/{number}/{groupid}", "updateGroup", nil},
	{"DELETE", "/v1/groups/{number}/{groupid}", "quitGroup", nil},
	{"POST", "/v1/groups/{number}/{groupid}/admins", "groupAdminAdd", nil},
	{"DELETE", "/v1/groups/{number}/{groupid}/admins", "groupAdminRemove", nil},
	{"POST", "/v1/groups/{number}/{groupid}/members", "groupMemberAdd", nil},
	{"DELETE", "/v1/groups/{number}/{groupid}/members", "groupMemberRemove", nil},
	{"POST", "/v1/groups/{number}/{groupid}/join", "joinGroup", nil},
	{"POST", "/v1/groups/{number}/{groupid}/quit", "quitGroup", nil},
	{"POST", "/v1/groups/{number}/{groupid}/block", "blockGroup", nil},

	{"GET", "/v1/contacts/{number}", "listContacts", nil},
	{"PUT", "/v1/contacts/{number}", "updateContact", nil},
	{"POST", "/v1/contacts/{number}/sync", "syncContacts", nil},

	{"POST", "/v1/register/{number}", "register", nil},
	{"POST", "/v1/register/{number}/verify/{code}", "verifyRegistration", nil},
	{"DELETE", "/v1/accounts/{number}", "unregister", nil},
	{"POST", "/v1/accounts/{number}/rate-limit-challenge", "submitRateLimitChallenge", nil},
	{"POST", "/v1/accounts/{number}/settings", "updateAccountSettings", nil},
	{"POST", "/v1/accounts/{number}/pin", "setPin", nil},
	{"PUT", "/v1/accounts/{number}/username", "updateUsername", nil},

	{"GET", "/v1/devices/{number}", "listDevices", nil},
	{"POST", "/v1/devices/{number}", "finishLink", nil},
	{"DELETE", "/v1/devices/{number}/{deviceid}", "removeDevice", nil},
	{"DELETE", "/v1/devices/{number}/local-data", "deleteLocalAccountData", nil},

	{"GET", "/v1/qrcodelink", "startLink", nil},
	{"GET", "/v1/qrcodelink/raw", "startLink", nil},

	{"GET", "/v1/identities/{number}", "listIdentities", nil},
	{"PUT", "/v1/identities/{number}/trust/{numberToTrust}", "trustIdentity", nil},

	{"PUT", "/v1/profiles/{number}", "updateProfile", nil},

	{"POST", "/v1/polls/{number}", "createPoll", nil},
	{"POST", "/v1/polls/{number}/{pollid}/vote", "votePoll", nil},
	{"POST", "/v1/polls/{number}/{pollid}/close", "closePoll", nil},

	{"GET", "/v1/sticker-packs/{number}", "listStickerPacks", nil},
	{"POST", "/v1/sticker-packs/{number}/install", "installStickerPack", nil},

	{"GET", "/v1/attachments", "listAttachments", nil},
	{"GET", "/v1/attachments/{id}", "getAttachment", nil},
	{"DELETE", "/v1/attachments/{id}", "removeAttachment", nil},

	{"GET", "/v1/search/{number}", "getRegistrationStatus", nil},
}

// pathParamNames extracts the wildcard names ("number", "groupid", ...)
// from a net/http routing pattern.
func pathParamNames(pattern string) []string {
	var names []string
	for {
		start := strings.IndexByte(pattern, '{')
		if start < 0 {
			break
		}
		end := strings.IndexByte(pattern[start:], '}')
		if end < 0 {
			break
		}
		names = append(names, pattern[start+1:start+end])
		pattern = pattern[start+end+1:]
	}
	return names
}

// registerRoutes wires the static REST-to-RPC table, the streaming and
// webhook endpoints, and the locally-served diagnostics endpoints onto
// mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	for _, rt := range routeTable {
		spec := rt
		params := pathParamNames(spec.pattern)
		handler := s.withRequestPipeline(s.dispatchHandler(spec.rpc, params, spec.defaults))
		mux.HandleFunc(spec.method+" "+spec.pattern, handler)
	}

	mux.HandleFunc("GET /v1/receive/{number}", s.withRequestPipeline(s.handleReceiveWS))
	mux.HandleFunc("GET /v1/events/{number}", s.withRequestPipeline(s.handleReceiveSSE))

	mux.HandleFunc("GET /v1/webhooks", s.withRequestPipeline(s.handleWebhookList))
	mux.HandleFunc("POST /v1/webhooks", s.withRequestPipeline(s.handleWebhookCreate))
	mux.HandleFunc("DELETE /v1/webhooks/{id}", s.withRequestPipeline(s.handleWebhookDelete))

	mux.HandleFunc("GET /v1/health", s.withRequestPipeline(s.handleHealth))
	mux.HandleFunc("GET /v1/about", s.withRequestPipeline(s.handleAbout))
	mux.HandleFunc("GET /v1/openapi.json", s.withRequestPipeline(s.handleOpenAPI))
	mux.HandleFunc("GET /v1/docs", s.withRequestPipeline(s.handleDocs))
}

// dispatchHandler builds the generic handler for a single RPC route: it
// assembles the params object from defaults, path values, the optional
// mode query parameter, and the JSON request body (in that precedence
// order), calls the daemon, and passes the raw result straight through.
func (s *Server) dispatchHandler(rpcMethod string, pathParams []string, defaults map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := make(map[string]any, len(defaults)+len(pathParams)+1)
		for k, v := range defaults {
			params[k] = v
		}
		for _, name := range pathParams {
			params[name] = r.PathValue(name)
		}
		if mode := r.URL.Query().Get("mode"); mode != "" {
			params["mode"] = mode
		}

		if r.ContentLength != 0 && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
				s.writeError(w, invalidBody(err))
				return
			}
			for k, v := range body {
				params[k] = v
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
		defer cancel()

		result, err := s.rpc.Call(ctx, rpcMethod, params)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if rpcMethod == "send" {
			s.metric.IncMessagesSent()
		}

		w.Header().Set("Content-Type", "application/json")
		if len(result) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write(result)
	}
}
