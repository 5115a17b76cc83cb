package config

import "testing"

func TestLoadNodeRequiresNodeID(t *testing.T) {
	t.Setenv("NODE_ID", "")
	if _, err := LoadNode(); err == nil {
		t.Fatal("expected error when NODE_ID unset")
	}
}

func TestLoadNodeDefaults(t *testing.T) {
	t.Setenv("NODE_ID", "node-a")
	t.Setenv("DATA_ROOT", "")
	t.Setenv("NODE_REQUIRE_AUTH", "")
	n, err := LoadNode()
	if err != nil {
		t.Fatalf("LoadNode: %v", err)
	}
	if n.DataRoot != "./data" {
		t.Errorf("DataRoot = %q, want ./data", n.DataRoot)
	}
	if !n.RequireAuth {
		t.Errorf("RequireAuth default should be true")
	}
	if n.MaxStepsDefault != 50 {
		t.Errorf("MaxStepsDefault = %d, want 50", n.MaxStepsDefault)
	}
}

func TestLoadNodeRequireAuthFalse(t *testing.T) {
	t.Setenv("NODE_ID", "node-a")
	t.Setenv("NODE_REQUIRE_AUTH", "false")
	n, err := LoadNode()
	if err != nil {
		t.Fatalf("LoadNode: %v", err)
	}
	if n.RequireAuth {
		t.Errorf("RequireAuth should be false")
	}
}

func TestLoadHeadRequiresNodes(t *testing.T) {
	t.Setenv("HEAD_NODES", "")
	if _, err := LoadHead(); err == nil {
		t.Fatal("expected error when HEAD_NODES unset")
	}
}

func TestLoadHeadDefaults(t *testing.T) {
	t.Setenv("HEAD_NODES", "http://localhost:8081|node-a")
	h, err := LoadHead()
	if err != nil {
		t.Fatalf("LoadHead: %v", err)
	}
	if h.HeadPort != "8080" {
		t.Errorf("HeadPort = %q, want 8080", h.HeadPort)
	}
	if h.FanoutTimeout.Seconds() != 5 {
		t.Errorf("FanoutTimeout = %v, want 5s", h.FanoutTimeout)
	}
}

func TestDefaultsStoreBuiltin(t *testing.T) {
	ds, err := NewDefaultsStore("", nil)
	if err != nil {
		t.Fatalf("NewDefaultsStore: %v", err)
	}
	d := ds.Get()
	if d.MaxSteps != 50 {
		t.Errorf("MaxSteps = %d, want 50", d.MaxSteps)
	}
	if len(d.SupportedModels) == 0 {
		t.Errorf("expected non-empty SupportedModels")
	}
}

func TestDefaultsStoreWithNodeIdentity(t *testing.T) {
	ds, err := NewDefaultsStore("", nil)
	if err != nil {
		t.Fatalf("NewDefaultsStore: %v", err)
	}
	ds.WithNodeIdentity("node-a", "Node A")
	d := ds.Get()
	if d.NodeID != "node-a" || d.NodeName != "Node A" {
		t.Errorf("node identity not applied: %+v", d)
	}
}
