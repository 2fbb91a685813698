package leadertick

import "testing"

func TestPickLeastLoadedChoosesLowestRatio(t *testing.T) {
	load := map[string]int{"w1": 4, "w2": 2, "w3": 9}
	weight := map[string]int{"w1": 1, "w2": 1, "w3": 3}
	// w1: 4/1=4, w2: 2/1=2, w3: 9/3=3 -> w2 wins.
	got := pickLeastLoaded([]string{"w1", "w2", "w3"}, func(id string) int { return load[id] }, func(id string) int { return weight[id] })
	if got != "w2" {
		t.Errorf("got %s, want w2", got)
	}
}

func TestPickLeastLoadedTiesBreakLexicographically(t *testing.T) {
	load := map[string]int{"wb": 2, "wa": 2, "wc": 2}
	weight := map[string]int{"wb": 1, "wa": 1, "wc": 1}
	got := pickLeastLoaded([]string{"wb", "wa", "wc"}, func(id string) int { return load[id] }, func(id string) int { return weight[id] })
	if got != "wa" {
		t.Errorf("got %s, want wa (lexicographically smallest)", got)
	}
}

func TestPickLeastLoadedFavorsHigherWeightWorker(t *testing.T) {
	// leader (weight 1) vs worker (weight 3), equal raw load -> worker load/weight is lower.
	load := map[string]int{"leader": 3, "worker": 3}
	weight := map[string]int{"leader": 1, "worker": 3}
	got := pickLeastLoaded([]string{"leader", "worker"}, func(id string) int { return load[id] }, func(id string) int { return weight[id] })
	if got != "worker" {
		t.Errorf("got %s, want worker", got)
	}
}

func TestMaxInt(t *testing.T) {
	if maxInt(1, 2) != 2 {
		t.Error("maxInt(1,2) should be 2")
	}
	if maxInt(5, 2) != 5 {
		t.Error("maxInt(5,2) should be 5")
	}
}
