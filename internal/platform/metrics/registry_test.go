package metrics

import "testing"

func TestNewRegistryDefaultsNamespace(t *testing.T) {
	r := NewRegistry("")
	if r.Namespace() != "controlplane" {
		t.Errorf("Namespace() = %q, want controlplane", r.Namespace())
	}
}

func TestRegistryLazyInitIsStable(t *testing.T) {
	r := NewRegistry("test_registry_lazy")

	hb1 := r.Heartbeat()
	hb2 := r.Heartbeat()
	if hb1 != hb2 {
		t.Error("Heartbeat() should return the same instance on repeated calls")
	}

	if r.drift != nil {
		t.Error("Drift metrics should not be initialized before first access")
	}
	_ = r.Drift()
	if r.drift == nil {
		t.Error("Drift metrics should be initialized after access")
	}
}

func TestDefaultRegistrySingleton(t *testing.T) {
	if DefaultRegistry() != DefaultRegistry() {
		t.Error("DefaultRegistry() should return a singleton")
	}
}

func TestAllSubsystemsInitialize(t *testing.T) {
	r := NewRegistry("test_registry_all")

	if r.Heartbeat() == nil {
		t.Error("Heartbeat metrics nil")
	}
	if r.Drift() == nil {
		t.Error("Drift metrics nil")
	}
	if r.Access() == nil {
		t.Error("Access metrics nil")
	}
	if r.Approval() == nil {
		t.Error("Approval metrics nil")
	}
	if r.Cache() == nil {
		t.Error("Cache metrics nil")
	}
	if r.Repository() == nil {
		t.Error("Repository metrics nil")
	}
	if r.Bus() == nil {
		t.Error("Bus metrics nil")
	}
	if r.Reaper() == nil {
		t.Error("Reaper metrics nil")
	}
	if r.Prewarm() == nil {
		t.Error("Prewarm metrics nil")
	}
	if r.HTTP() == nil {
		t.Error("HTTP metrics nil")
	}
	if r.Retry() == nil {
		t.Error("Retry metrics nil")
	}
}
