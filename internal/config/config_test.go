package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("LOG_DEV", "not-a-bool")

	cfg := Load()
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
	if cfg.LogDev {
		t.Error("invalid LOG_DEV should fall back to false")
	}
	if cfg.ThreadFanoutOrder != "desc" {
		t.Errorf("ThreadFanoutOrder = %q, want desc", cfg.ThreadFanoutOrder)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("DELETE_REQUIRES_CREATOR", "true")
	t.Setenv("THREAD_FANOUT_ORDER", "ASC")

	cfg := Load()
	if cfg.StoreBackend != "memory" {
		t.Errorf("StoreBackend = %q, want memory", cfg.StoreBackend)
	}
	if !cfg.DeleteRequiresCreator {
		t.Error("DeleteRequiresCreator should be true")
	}
	if cfg.ThreadFanoutOrder != "asc" {
		t.Errorf("ThreadFanoutOrder = %q, want asc", cfg.ThreadFanoutOrder)
	}
}
