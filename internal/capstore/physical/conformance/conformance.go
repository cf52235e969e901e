// Package conformance provides a shared test suite that every capstore
// backend must pass.
package conformance

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/gezibash/arc-session/internal/capstore/physical"
	"github.com/gezibash/arc-session/internal/xmpp"
)

// Factory returns a fresh, empty backend. Implementations register
// their own cleanup with t.Cleanup.
type Factory func(t *testing.T) physical.Backend

// Run executes the full suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("FeaturesRoundTrip", func(t *testing.T) { testFeaturesRoundTrip(t, newBackend(t)) })
	t.Run("DuplicateFeatureIgnored", func(t *testing.T) { testDuplicateFeature(t, newBackend(t)) })
	t.Run("UnknownNodeEmpty", func(t *testing.T) { testUnknownNode(t, newBackend(t)) })
	t.Run("IdentityRoundTrip", func(t *testing.T) { testIdentity(t, newBackend(t)) })
	t.Run("IdentityFirstWins", func(t *testing.T) { testIdentityFirstWins(t, newBackend(t)) })
	t.Run("NodesWithFeature", func(t *testing.T) { testNodesWithFeature(t, newBackend(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newBackend(t)) })
	t.Run("ConcurrentInserts", func(t *testing.T) { testConcurrent(t, newBackend(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newBackend(t)) })
}

func testFeaturesRoundTrip(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	node := "http://example.com/caps#abc"
	for _, f := range []string{"urn:xmpp:ping", "http://jabber.org/protocol/disco#info", "jabber:iq:version"} {
		if err := be.InsertFeature(ctx, node, f); err != nil {
			t.Fatalf("InsertFeature(%q): %v", f, err)
		}
	}

	got, err := be.Features(ctx, node)
	if err != nil {
		t.Fatalf("Features: %v", err)
	}
	want := []string{"http://jabber.org/protocol/disco#info", "jabber:iq:version", "urn:xmpp:ping"}
	if !slices.Equal(got, want) {
		t.Errorf("Features = %v, want %v", got, want)
	}

	n, err := be.CountFeatures(ctx, node)
	if err != nil {
		t.Fatalf("CountFeatures: %v", err)
	}
	if n != 3 {
		t.Errorf("CountFeatures = %d, want 3", n)
	}
}

func testDuplicateFeature(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	for range 3 {
		if err := be.InsertFeature(ctx, "node", "urn:xmpp:ping"); err != nil {
			t.Fatalf("InsertFeature: %v", err)
		}
	}
	n, err := be.CountFeatures(ctx, "node")
	if err != nil {
		t.Fatalf("CountFeatures: %v", err)
	}
	if n != 1 {
		t.Errorf("CountFeatures = %d, want 1", n)
	}
}

func testUnknownNode(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	got, err := be.Features(ctx, "nope")
	if err != nil {
		t.Fatalf("Features: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Features = %v, want empty", got)
	}
	n, err := be.CountFeatures(ctx, "nope")
	if err != nil || n != 0 {
		t.Errorf("CountFeatures = %d, %v; want 0, nil", n, err)
	}
	if _, err := be.Identity(ctx, "nope"); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("Identity err = %v, want ErrNotFound", err)
	}
}

func testIdentity(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	id := xmpp.Identity{Category: "client", Type: "pc", Name: "Beagle"}
	if err := be.InsertIdentity(ctx, "node", id); err != nil {
		t.Fatalf("InsertIdentity: %v", err)
	}
	got, err := be.Identity(ctx, "node")
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if *got != id {
		t.Errorf("Identity = %+v, want %+v", *got, id)
	}
}

func testIdentityFirstWins(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	first := xmpp.Identity{Category: "client", Type: "pc", Name: "first"}
	if err := be.InsertIdentity(ctx, "node", first); err != nil {
		t.Fatalf("InsertIdentity: %v", err)
	}
	if err := be.InsertIdentity(ctx, "node", xmpp.Identity{Category: "client", Type: "phone", Name: "second"}); err != nil {
		t.Fatalf("InsertIdentity second: %v", err)
	}
	got, err := be.Identity(ctx, "node")
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if *got != first {
		t.Errorf("Identity = %+v, want first %+v", *got, first)
	}
}

func testNodesWithFeature(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	mustInsert(t, be, "n1", "urn:xmpp:jingle:1")
	mustInsert(t, be, "n2", "urn:xmpp:jingle:1")
	mustInsert(t, be, "n2", "urn:xmpp:ping")
	mustInsert(t, be, "n3", "urn:xmpp:ping")

	got, err := be.NodesWithFeature(ctx, "urn:xmpp:jingle:1")
	if err != nil {
		t.Fatalf("NodesWithFeature: %v", err)
	}
	if !slices.Equal(got, []string{"n1", "n2"}) {
		t.Errorf("NodesWithFeature = %v, want [n1 n2]", got)
	}

	got, err = be.NodesWithFeature(ctx, "urn:xmpp:unknown")
	if err != nil {
		t.Fatalf("NodesWithFeature unknown: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("NodesWithFeature unknown = %v, want empty", got)
	}
}

func testStats(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	mustInsert(t, be, "n1", "a")
	mustInsert(t, be, "n1", "b")
	mustInsert(t, be, "n2", "a")

	stats, err := be.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Nodes != 2 {
		t.Errorf("Stats.Nodes = %d, want 2", stats.Nodes)
	}
	if stats.Features != 3 {
		t.Errorf("Stats.Features = %d, want 3", stats.Features)
	}
	if stats.BackendType == "" {
		t.Error("Stats.BackendType is empty")
	}
}

func testConcurrent(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				if err := be.InsertFeature(ctx, fmt.Sprintf("node-%d", i), fmt.Sprintf("feature-%d", j)); err != nil {
					t.Errorf("InsertFeature: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := range 8 {
		n, err := be.CountFeatures(ctx, fmt.Sprintf("node-%d", i))
		if err != nil {
			t.Fatalf("CountFeatures: %v", err)
		}
		if n != 10 {
			t.Errorf("node-%d has %d features, want 10", i, n)
		}
	}
}

func testClosed(t *testing.T, be physical.Backend) {
	if err := be.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := be.InsertFeature(context.Background(), "n", "f"); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("InsertFeature after close = %v, want ErrClosed", err)
	}
	if _, err := be.Features(context.Background(), "n"); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Features after close = %v, want ErrClosed", err)
	}
	if err := be.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func mustInsert(t *testing.T, be physical.Backend, node, feature string) {
	t.Helper()
	if err := be.InsertFeature(context.Background(), node, feature); err != nil {
		t.Fatalf("InsertFeature(%q, %q): %v", node, feature, err)
	}
}
