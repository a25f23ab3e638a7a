package cfapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestZoneIDByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization: got %q", got)
		}
		if r.URL.Path != "/zones" || r.URL.Query().Get("name") != "example.com" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"success":true,"errors":[],"result":[{"id":"z1","name":"example.com","status":"active"}]}`))
	}))
	defer srv.Close()

	c := New("tok", WithBaseURL(srv.URL))
	id, err := c.ZoneIDByName(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "z1" {
		t.Errorf("zone id: got %q", id)
	}
}

func TestCreateCustomHostname_sendsMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body CustomHostname
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.SSL.Method != "txt" || body.SSL.Type != "dv" {
			t.Errorf("ssl: got %+v", body.SSL)
		}
		_, _ = w.Write([]byte(`{"success":true,"result":{"id":"ch1","hostname":"promo.example.com","ssl":{"status":"pending_validation","validation_records":[{"txt_name":"_acme-challenge.promo.example.com","txt_value":"abc"}]}}}`))
	}))
	defer srv.Close()

	ch, err := New("tok", WithBaseURL(srv.URL)).CreateCustomHostname(context.Background(), "z1", "promo.example.com", "txt", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.ID != "ch1" || len(ch.SSL.ValidationRecords) != 1 {
		t.Errorf("unexpected result %+v", ch)
	}
}

func TestDo_errorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"errors":[{"code":1406,"message":"Duplicate custom hostname found."}]}`))
	}))
	defer srv.Close()

	_, err := New("tok", WithBaseURL(srv.URL)).CreateCustomHostname(context.Background(), "z1", "promo.example.com", "http", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || len(apiErr.Messages) != 1 {
		t.Errorf("unexpected error %+v", apiErr)
	}
	if IsTransient(err) {
		t.Error("400 must not be transient")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&APIError{StatusCode: 429}, true},
		{&APIError{StatusCode: 503}, true},
		{&APIError{StatusCode: 403}, false},
		{context.DeadlineExceeded, true},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
