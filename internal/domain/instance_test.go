package domain

import (
	"testing"
	"time"
)

func TestServiceInstance_Available(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	inst := &ServiceInstance{ID: "a", Status: StatusUp, LeaseExpiresAt: now.Add(time.Second)}

	if !inst.Available(now) {
		t.Error("instance with live lease should be available")
	}
	if inst.Available(now.Add(time.Second)) {
		t.Error("lease expiring exactly now must not be available")
	}
	if inst.WithStatus(StatusDown).Available(now) {
		t.Error("DOWN instance must not be available")
	}
}

func TestServiceInstance_RenewedDoesNotMutate(t *testing.T) {
	now := time.Now()
	inst := &ServiceInstance{
		ID:             "a",
		Host:           "localhost",
		Port:           8080,
		Status:         StatusDown,
		Metadata:       map[string]string{"zone": "a"},
		LeaseExpiresAt: now.Add(-time.Second),
	}

	renewed := inst.Renewed(now, 30*time.Second)
	renewed.Metadata["zone"] = "b"

	if inst.Status != StatusDown || inst.Metadata["zone"] != "a" {
		t.Error("Renewed() must return an independent copy")
	}
	if renewed.Status != StatusUp {
		t.Errorf("renewed status = %s, want UP", renewed.Status)
	}
	if !renewed.LeaseExpiresAt.Equal(now.Add(30 * time.Second)) {
		t.Errorf("unexpected lease expiry %v", renewed.LeaseExpiresAt)
	}
}

func TestServiceInstance_Addresses(t *testing.T) {
	inst := &ServiceInstance{Host: "users", Port: 8081}
	if got := inst.Address(); got != "users:8081" {
		t.Errorf("Address() = %q", got)
	}
	if got := inst.BaseURL(); got != "http://users:8081" {
		t.Errorf("BaseURL() = %q", got)
	}
	inst.Scheme = "https"
	if got := inst.BaseURL(); got != "https://users:8081" {
		t.Errorf("BaseURL() = %q", got)
	}
}
