package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-warden/internal/registry"
)

func TestSplitList(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"a", []string{"a"}},
		{"a,b", []string{"a", "b"}},
		{" a , b ,", []string{"a", "b"}},
	}
	for _, tc := range cases {
		got := splitList(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("splitList(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("splitList(%q) = %v, want %v", tc.in, got, tc.want)
			}
		}
	}
}

func TestRegisterCommandRoundTrip(t *testing.T) {
	t.Setenv("WARDEN_HOME", t.TempDir())
	ctx := context.Background()

	code := runRegisterCommand(ctx, []string{
		"-id", "alpha", "-tier", "coordinator",
		"-capabilities", "routing,scheduling", "-deps", "",
	})
	if code != 0 {
		t.Fatalf("register exited %d", code)
	}

	rt, err := buildRuntime(true, nil)
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	defer rt.Close()
	def, err := rt.reg.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.Tier != registry.TierCoordinator || def.Status != registry.StatusInactive {
		t.Errorf("def = tier %s status %s", def.Tier, def.Status)
	}
	if len(def.Capabilities) != 2 {
		t.Errorf("capabilities = %v", def.Capabilities)
	}
	if _, err := os.Stat(def.ScriptPath); err != nil {
		t.Errorf("generated script missing: %v", err)
	}
	if filepath.Dir(def.ScriptPath) != rt.cfg.AgentsDir {
		t.Errorf("script %s not under agents dir %s", def.ScriptPath, rt.cfg.AgentsDir)
	}
}

func TestRegisterCommandRequiresID(t *testing.T) {
	t.Setenv("WARDEN_HOME", t.TempDir())
	if code := runRegisterCommand(context.Background(), nil); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRegisterCommandRejectsBadTier(t *testing.T) {
	t.Setenv("WARDEN_HOME", t.TempDir())
	code := runRegisterCommand(context.Background(), []string{"-id", "x", "-tier", "archmage"})
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestStatusCommandUnknownAgent(t *testing.T) {
	t.Setenv("WARDEN_HOME", t.TempDir())
	if code := runStatusCommand(context.Background(), []string{"ghost"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
