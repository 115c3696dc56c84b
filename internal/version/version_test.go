package version

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	orig := Version
	Version = "v1.2.3"
	defer func() { Version = orig }()

	info := Get()
	if info.Version != "v1.2.3" {
		t.Errorf("expected v1.2.3, got %s", info.Version)
	}
	if len(info.GitCommit) > 7 {
		t.Errorf("expected short commit, got %s", info.GitCommit)
	}
	if !strings.HasPrefix(Short(), "v1.2.3") {
		t.Errorf("expected short version prefix, got %s", Short())
	}
}
