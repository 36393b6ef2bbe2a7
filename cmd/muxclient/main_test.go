package main

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rickgao/blinkmux/internal/config"
	"github.com/rickgao/blinkmux/internal/subscription"
)

func TestParseKeys(t *testing.T) {
	tests := []struct {
		in   string
		want []subscription.Key
	}{
		{"", nil},
		{"type:8", []subscription.Key{"type:8"}},
		{" type:8 , ,type:f/Symbol=BTCUSD", []subscription.Key{"type:8", "type:f/Symbol=BTCUSD"}},
	}

	for _, tt := range tests {
		got := parseKeys(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("parseKeys(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("parseKeys(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestLoadCredentials(t *testing.T) {
	creds, err := loadCredentials(config.TransportConfig{})
	if err != nil || creds != nil {
		t.Errorf("no api key: creds = %v, err = %v, want nil, nil", creds, err)
	}

	creds, err = loadCredentials(config.TransportConfig{APIKey: "key", APISecret: "secret"})
	if err != nil {
		t.Fatalf("loadCredentials failed: %v", err)
	}
	if creds.Key != "key" {
		t.Errorf("Key = %q, want key", creds.Key)
	}
}

func TestHealthHandler_NoComponents(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(nil, nil).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q, want healthy", body.Status)
	}
}
