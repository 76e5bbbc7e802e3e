package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var env map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	data, ok := env["data"].(map[string]any)
	if !ok || data["hello"] != "world" {
		t.Errorf("envelope = %v, want data.hello = world", env)
	}
	if _, present := env["error"]; present {
		t.Error("error key should be omitted on success")
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "bad input")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	var env map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if env["error"] != "bad input" {
		t.Errorf("error = %v, want bad input", env["error"])
	}
}

func TestParsePaginationDefaults(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/items", nil)

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		t.Fatalf("expected no error, got %q", errMsg)
	}
	if pg.Limit != defaultLimit {
		t.Errorf("Limit = %d, want default %d", pg.Limit, defaultLimit)
	}
	if pg.Offset != 0 {
		t.Errorf("Offset = %d, want 0", pg.Offset)
	}
}

func TestParsePaginationCustomValues(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/items?limit=50&offset=10", nil)

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		t.Fatalf("expected no error, got %q", errMsg)
	}
	if pg.Limit != 50 || pg.Offset != 10 {
		t.Errorf("pagination = %+v, want limit 50 offset 10", pg)
	}
}

func TestParsePaginationInvalid(t *testing.T) {
	for _, target := range []string{
		"/items?limit=0",
		"/items?limit=9999",
		"/items?limit=abc",
		"/items?offset=-1",
		"/items?offset=abc",
	} {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		if _, errMsg := parsePagination(r); errMsg == "" {
			t.Errorf("%s: expected an error message", target)
		}
	}
}
