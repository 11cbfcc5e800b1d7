package utils

import "testing"

func TestConcurrencyScriptsCompile(t *testing.T) {
	// Compile-time smoke test: scripts should be initialized.
	if concurrencyAcquireScript == nil || concurrencyReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestRedisGuard_KeyPrefix(t *testing.T) {
	g := RedisGuard{Prefix: "linepool:failover:"}
	if got := g.key("L42"); got != "linepool:failover:L42" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := (RedisGuard{}).key("L42"); got != "L42" {
		t.Fatalf("unexpected key %q", got)
	}
}
