package model

import (
	"testing"

	"pgregory.net/rapid"
)

func TestLevelIsExperienceFloor(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		xp := rapid.IntRange(0, 1_000_000).Draw(rt, "xp")
		state := LevelState{Experience: xp}
		if state.Level() != xp/ExperiencePerLevel {
			rt.Fatalf("level %d for xp %d", state.Level(), xp)
		}
	})
}

func TestLevelBoundaries(t *testing.T) {
	cases := map[int]int{0: 0, 15: 0, 99: 0, 100: 1, 199: 1, 200: 2, -5: 0}
	for xp, want := range cases {
		if got := LevelFor(xp); got != want {
			t.Fatalf("LevelFor(%d) = %d, want %d", xp, got, want)
		}
	}
}

func TestIDSetNilSafe(t *testing.T) {
	var set IDSet
	if set.Has("a") {
		t.Fatalf("nil set reported membership")
	}
	set.Remove("a")
	set.Add("a")
	set.Add("")
	if !set.Has("a") || len(set) != 1 {
		t.Fatalf("unexpected set contents: %v", set.Sorted())
	}
}
