package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/signalgw/gateway/internal/apierr"
)

func TestWriteError_DaemonErrorSurfacesNumericCode(t *testing.T) {
	rpc := newFakeRPC()
	rpc.errs["send"] = apierr.DaemonError(-32602, "invalid recipient")
	_, mux := newTestServer(rpc)

	req := httptest.NewRequest(http.MethodPost, "/v1/send", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Message != "invalid recipient" {
		t.Errorf("error = %q, want %q", body.Message, "invalid recipient")
	}
	if body.Code == nil || *body.Code != -32602 {
		t.Errorf("code = %v, want -32602", body.Code)
	}
}

func TestWriteError_GatewayErrorHasNullCode(t *testing.T) {
	rpc := newFakeRPC()
	_, mux := newTestServer(rpc)

	req := httptest.NewRequest(http.MethodPost, "/v1/send", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["code"]; !ok {
		t.Fatal("error body missing code field")
	}
	if raw["code"] != nil {
		t.Errorf("code = %v, want null", raw["code"])
	}
}
