package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestMockOddsGeneratorBounds(t *testing.T) {
	gen := NewMockOddsGenerator(42)

	for _, goldDiff := range []float64{-100000, -20000, 0, 20000, 100000} {
		for i := 0; i < 50; i++ {
			odds := gen.Generate(1200, goldDiff)
			if !odds.IsMock {
				t.Fatal("mock odds must be flagged")
			}
			if odds.ImpliedProbability < 0.1 || odds.ImpliedProbability > 0.9 {
				t.Fatalf("implied probability %f out of [0.1, 0.9] for diff %f",
					odds.ImpliedProbability, goldDiff)
			}
			if odds.RadiantOdds.IsNegative() || odds.DireOdds.IsNegative() {
				t.Fatal("odds must be positive")
			}
		}
	}
}

func TestMockOddsTrackGoldLead(t *testing.T) {
	gen := NewMockOddsGenerator(7)

	var leadSum, trailSum float64
	const samples = 200
	for i := 0; i < samples; i++ {
		leadSum += gen.Generate(1800, 20000).ImpliedProbability
		trailSum += gen.Generate(1800, -20000).ImpliedProbability
	}
	if leadSum/samples <= trailSum/samples {
		t.Errorf("a gold lead should raise implied probability: lead avg %f, trail avg %f",
			leadSum/samples, trailSum/samples)
	}
}

func TestMockOddsDeterministicSeed(t *testing.T) {
	a := NewMockOddsGenerator(99).Generate(600, 5000)
	b := NewMockOddsGenerator(99).Generate(600, 5000)
	if a.ImpliedProbability != b.ImpliedProbability {
		t.Errorf("same seed should reproduce: %f vs %f",
			a.ImpliedProbability, b.ImpliedProbability)
	}
}

func TestRunningMatchesCachedFallback(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"id": 900, "name": "Liquid vs Spirit", "status": "running",
			"opponents": [{"opponent": {"id": 1, "name": "Liquid"}},
			              {"opponent": {"id": 2, "name": "Spirit"}}]}]`))
	}))
	defer server.Close()

	client := NewClient(nil, nil,
		WithBaseURL(server.URL), WithToken("test"), WithRateLimit(100, 10))
	ctx := context.Background()

	matches, err := client.RunningMatches(ctx)
	if err != nil {
		t.Fatalf("RunningMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != 900 {
		t.Fatalf("unexpected matches: %+v", matches)
	}

	// Upstream now fails; the last good response is served.
	matches, err = client.RunningMatches(ctx)
	if err != nil {
		t.Fatalf("RunningMatches with failing upstream: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != 900 {
		t.Errorf("expected cached matches, got %+v", matches)
	}

	a, b, ok := matches[0].Teams()
	if !ok || a.Name != "Liquid" || b.Name != "Spirit" {
		t.Errorf("Teams() = %v %v %v", a, b, ok)
	}
}

func TestAvailableRequiresToken(t *testing.T) {
	if NewClient(nil, nil).Available() {
		t.Error("client without token should not report available")
	}
	if !NewClient(nil, nil, WithToken("x")).Available() {
		t.Error("client with token should report available")
	}
}
