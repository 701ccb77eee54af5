package balancer

import (
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/api-gateway/internal/breaker"
	"github.com/nulpointcorp/api-gateway/pkg/gwerr"
)

func TestBalancer_EmptyPool(t *testing.T) {
	b := New(Config{})

	_, err := b.Select()
	var nhp *gwerr.NoHealthyProviderError
	if !errors.As(err, &nhp) {
		t.Fatalf("Select on empty pool = %v, want NoHealthyProviderError", err)
	}
}

func TestBalancer_RoundRobinCycles(t *testing.T) {
	b := New(Config{Strategy: RoundRobin})
	b.Register("a", 100, 0, "")
	b.Register("b", 100, 0, "")
	b.Register("c", 100, 0, "")

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		name, err := b.Select()
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[name]++
	}

	for _, name := range []string{"a", "b", "c"} {
		if seen[name] != 3 {
			t.Errorf("provider %s selected %d times, want 3", name, seen[name])
		}
	}
}

func TestBalancer_RoundRobinSkipsUnhealthy(t *testing.T) {
	b := New(Config{Strategy: RoundRobin})
	b.Register("a", 100, 0, "")
	b.Register("b", 100, 0, "")
	b.SetHealthy("a", false)

	for i := 0; i < 5; i++ {
		name, err := b.Select()
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if name != "b" {
			t.Fatalf("selected unhealthy provider %s", name)
		}
	}
}

func TestBalancer_UnhealthyAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3})
	b.Register("a", 100, 0, "")

	for i := 0; i < 2; i++ {
		b.OnRequestStart("a")
		b.OnRequestFailure("a", errors.New("boom"))
	}
	if !b.IsHealthy("a") {
		t.Fatal("provider flipped unhealthy before the threshold")
	}

	b.OnRequestStart("a")
	b.OnRequestFailure("a", errors.New("boom"))
	if b.IsHealthy("a") {
		t.Fatal("provider should be unhealthy after 3 consecutive failures")
	}

	if _, err := b.Select(); err == nil {
		t.Fatal("sole unhealthy provider should not be selectable")
	}
}

func TestBalancer_RecoveryAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryThreshold: 2})
	b.Register("a", 100, 0, "")

	for i := 0; i < 3; i++ {
		b.OnRequestStart("a")
		b.OnRequestFailure("a", errors.New("boom"))
	}
	if b.IsHealthy("a") {
		t.Fatal("setup: provider should be unhealthy")
	}

	b.OnRequestStart("a")
	b.OnRequestSuccess("a", 10*time.Millisecond)
	if b.IsHealthy("a") {
		t.Fatal("one success should not recover the provider")
	}

	b.OnRequestStart("a")
	b.OnRequestSuccess("a", 10*time.Millisecond)
	if !b.IsHealthy("a") {
		t.Fatal("provider should recover after 2 consecutive successes")
	}

	if name, err := b.Select(); err != nil || name != "a" {
		t.Fatalf("recovered provider not selectable: %s, %v", name, err)
	}
}

// A failure run long enough to open a default-configured circuit breaker
// must leave the provider selectable, so that the breaker (not selection)
// gates the provider and its half-open probes can reach it.
func TestBalancer_DefaultThresholdOutlastsBreaker(t *testing.T) {
	b := New(Config{})
	b.Register("a", 100, 0, "")

	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		b.OnRequestStart("a")
		b.OnRequestFailure("a", errors.New("boom"))
	}
	if !b.IsHealthy("a") {
		t.Fatal("provider dropped from selection within the breaker's failure window")
	}
	if name, err := b.Select(); err != nil || name != "a" {
		t.Fatalf("Select = %s, %v, want a", name, err)
	}

	for i := breaker.DefaultFailureThreshold; i < DefaultFailureThreshold; i++ {
		b.OnRequestStart("a")
		b.OnRequestFailure("a", errors.New("boom"))
	}
	if b.IsHealthy("a") {
		t.Fatal("provider should be unhealthy after a sustained failure run")
	}
}

func TestBalancer_FailureResetsSuccessStreak(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryThreshold: 2})
	b.Register("a", 100, 0, "")
	b.SetHealthy("a", false)

	b.OnRequestStart("a")
	b.OnRequestSuccess("a", time.Millisecond)
	b.OnRequestStart("a")
	b.OnRequestFailure("a", errors.New("boom"))
	b.OnRequestStart("a")
	b.OnRequestSuccess("a", time.Millisecond)

	if b.IsHealthy("a") {
		t.Fatal("interleaved failure should reset the recovery streak")
	}
}

func TestBalancer_WeightedDistribution(t *testing.T) {
	b := New(Config{Strategy: Weighted})
	b.Register("a", 75, 0, "")
	b.Register("b", 25, 0, "")

	const trials = 10000
	counts := make(map[string]int)
	for i := 0; i < trials; i++ {
		name, err := b.Select()
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		counts[name]++
	}

	if got := counts["a"]; got < 7300 || got > 7700 {
		t.Errorf("provider a selected %d/%d times, want 7500±200", got, trials)
	}
}

func TestBalancer_LeastConnections(t *testing.T) {
	b := New(Config{Strategy: LeastConnections})
	b.Register("a", 100, 0, "")
	b.Register("b", 100, 0, "")

	b.OnRequestStart("a")
	b.OnRequestStart("a")
	b.OnRequestStart("b")

	if name, _ := b.Select(); name != "b" {
		t.Fatalf("selected %s, want b (fewest active connections)", name)
	}

	// Ties resolve in registration order.
	b.OnRequestStart("b")
	if name, _ := b.Select(); name != "a" {
		t.Fatalf("tie resolved to %s, want a", name)
	}
}

func TestBalancer_LatencyBased(t *testing.T) {
	b := New(Config{Strategy: LatencyBased})
	b.Register("slow", 100, 0, "")
	b.Register("fast", 100, 0, "")

	b.OnRequestStart("slow")
	b.OnRequestSuccess("slow", 800*time.Millisecond)
	b.OnRequestStart("fast")
	b.OnRequestSuccess("fast", 20*time.Millisecond)

	if name, _ := b.Select(); name != "fast" {
		t.Fatalf("selected %s, want fast", name)
	}
}

func TestBalancer_LatencyEWMA(t *testing.T) {
	b := New(Config{})
	b.Register("a", 100, 0, "")

	b.OnRequestStart("a")
	b.OnRequestSuccess("a", 100*time.Millisecond)
	b.OnRequestStart("a")
	b.OnRequestSuccess("a", 200*time.Millisecond)

	// 0.2*200 + 0.8*100 = 120.
	snaps := b.Snapshots()
	if got := snaps[0].AvgLatencyMs; got != 120 {
		t.Fatalf("avg latency = %v ms, want 120", got)
	}
}

func TestBalancer_FailoverPrefersLowestPriority(t *testing.T) {
	b := New(Config{Strategy: Failover})
	b.Register("secondary", 100, 1, "")
	b.Register("primary", 100, 0, "")

	if name, _ := b.Select(); name != "primary" {
		t.Fatalf("selected %s, want primary", name)
	}

	b.SetHealthy("primary", false)
	if name, _ := b.Select(); name != "secondary" {
		t.Fatalf("after primary down selected %s, want secondary", name)
	}
}

func TestBalancer_HealthScoreBounds(t *testing.T) {
	b := New(Config{FailureThreshold: 100})
	b.Register("a", 100, 0, "")

	if got := b.HealthScore("a"); got != 100 {
		t.Fatalf("fresh provider score = %v, want 100", got)
	}

	// Pile on failures and slow latency; the score must stay in [0, 100].
	for i := 0; i < 50; i++ {
		b.OnRequestStart("a")
		b.OnRequestFailure("a", errors.New("boom"))
	}
	b.OnRequestStart("a")
	b.OnRequestSuccess("a", 5*time.Second)

	got := b.HealthScore("a")
	if got < 0 || got > 100 {
		t.Fatalf("score %v out of [0, 100]", got)
	}

	b.SetHealthy("a", false)
	if got := b.HealthScore("a"); got != 0 {
		t.Fatalf("unhealthy provider score = %v, want 0", got)
	}
}

func TestBalancer_HealthChangeCallback(t *testing.T) {
	type flip struct {
		name    string
		healthy bool
	}
	var flips []flip

	b := New(Config{
		FailureThreshold:  2,
		RecoveryThreshold: 1,
		OnHealthChange: func(name string, healthy bool) {
			flips = append(flips, flip{name, healthy})
		},
	})
	b.Register("a", 100, 0, "")

	for i := 0; i < 2; i++ {
		b.OnRequestStart("a")
		b.OnRequestFailure("a", errors.New("boom"))
	}
	b.OnRequestStart("a")
	b.OnRequestSuccess("a", time.Millisecond)

	want := []flip{{"a", false}, {"a", true}}
	if len(flips) != len(want) {
		t.Fatalf("flips = %v, want %v", flips, want)
	}
	for i := range want {
		if flips[i] != want[i] {
			t.Fatalf("flip %d = %v, want %v", i, flips[i], want[i])
		}
	}
}

func TestBalancer_Unregister(t *testing.T) {
	b := New(Config{})
	b.Register("a", 100, 0, "")
	b.Register("b", 100, 0, "")
	b.Unregister("a")

	for i := 0; i < 4; i++ {
		name, err := b.Select()
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if name != "b" {
			t.Fatalf("selected removed provider %s", name)
		}
	}

	if len(b.Snapshots()) != 1 {
		t.Fatal("snapshot should list one provider")
	}
}

func TestBalancer_ReregisterUpdatesInPlace(t *testing.T) {
	b := New(Config{Strategy: Failover})
	b.Register("a", 100, 5, "")
	b.Register("b", 100, 1, "")

	// Lowering a's priority must not lose its health record or change
	// registration order.
	b.OnRequestStart("a")
	b.OnRequestSuccess("a", time.Millisecond)
	b.Register("a", 50, 0, "")

	if name, _ := b.Select(); name != "a" {
		t.Fatalf("selected %s, want a after priority update", name)
	}
	snaps := b.Snapshots()
	if snaps[0].Name != "a" || snaps[0].TotalRequests != 1 {
		t.Fatalf("health record not preserved: %+v", snaps[0])
	}
}

func TestBalancer_SnapshotsOrder(t *testing.T) {
	b := New(Config{})
	b.Register("z", 100, 0, "")
	b.Register("a", 100, 0, "")
	b.Register("m", 100, 0, "")

	snaps := b.Snapshots()
	want := []string{"z", "a", "m"}
	for i, s := range snaps {
		if s.Name != want[i] {
			t.Fatalf("snapshot order %v, want registration order %v", snaps, want)
		}
	}
}
