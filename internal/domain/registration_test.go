package domain

import (
	"errors"
	"testing"
)

func TestRegisterRequest_Validate_Defaults(t *testing.T) {
	req := &RegisterRequest{
		ServiceName: "users-service",
		Host:        "10.0.0.7",
		Port:        8081,
	}

	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() returned error for valid request: %v", err)
	}
	if req.HealthURL != "/health" {
		t.Errorf("expected default HealthURL, got %q", req.HealthURL)
	}
	if req.Scheme != "http" {
		t.Errorf("expected default scheme http, got %q", req.Scheme)
	}
}

func TestRegisterRequest_Validate_Errors(t *testing.T) {
	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"missing service name", RegisterRequest{Host: "localhost", Port: 8080}},
		{"missing host", RegisterRequest{ServiceName: "svc", Port: 8080}},
		{"port zero", RegisterRequest{ServiceName: "svc", Host: "localhost"}},
		{"port too large", RegisterRequest{ServiceName: "svc", Host: "localhost", Port: 70000}},
		{"bad scheme", RegisterRequest{ServiceName: "svc", Host: "localhost", Port: 8080, Scheme: "ftp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
			if !IsClientError(err) {
				t.Error("validation errors should be client errors")
			}
		})
	}
}
