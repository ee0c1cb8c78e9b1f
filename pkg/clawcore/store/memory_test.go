package store

import (
	"errors"
	"testing"
)

func TestSaveMemoryValidation(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	if err := st.SaveMemory(MemoryEntry{L0: "x"}); err == nil {
		t.Error("missing key accepted")
	}
	if err := st.SaveMemory(MemoryEntry{Key: "k"}); err == nil {
		t.Error("missing L0 accepted")
	}

	// Defaults and clamping.
	if err := st.SaveMemory(MemoryEntry{Key: "a", L0: "x", Category: "Nonsense", Confidence: 5}); err != nil {
		t.Fatalf("save: %v", err)
	}
	e, err := st.GetMemory("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Category != CategoryProject {
		t.Errorf("unknown category normalized to %q, want Project", e.Category)
	}
	if e.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", e.Confidence)
	}

	if err := st.SaveMemory(MemoryEntry{Key: "b", L0: "y"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	e, _ = st.GetMemory("b")
	if e.Confidence != 0.8 {
		t.Errorf("default confidence = %v, want 0.8", e.Confidence)
	}
}

func TestMemoryUpsertPreservesAccessCount(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	st.SaveMemory(MemoryEntry{Key: "k", L0: "first"})
	st.GetMemory("k")
	st.GetMemory("k")

	st.SaveMemory(MemoryEntry{Key: "k", L0: "second", L1: "details"})
	e, err := st.GetMemory("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.L0 != "second" || e.L1 != "details" {
		t.Errorf("upsert did not replace tiers: %+v", e)
	}
	if e.AccessCount != 3 {
		t.Errorf("access_count = %d, want 3 (preserved across upsert)", e.AccessCount)
	}
}

func TestDeleteMemory(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	st.SaveMemory(MemoryEntry{Key: "k", L0: "x"})
	if err := st.DeleteMemory("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetMemory("k"); !errors.Is(err, ErrMemoryNotFound) {
		t.Errorf("after delete: got %v", err)
	}
	if err := st.DeleteMemory("k"); !errors.Is(err, ErrMemoryNotFound) {
		t.Errorf("double delete: got %v", err)
	}
}

func TestSearchMemory(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	entries := []MemoryEntry{
		{Key: "api_config", Category: CategoryEnvironment, L0: "API lives at api.internal:8443", Confidence: 0.9},
		{Key: "deploy_flow", Category: CategorySkill, L0: "deploy with make release", L1: "runs tests, builds, pushes the image", Confidence: 0.7},
		{Key: "owner_tz", Category: CategoryComm, L0: "owner is in UTC-3", Confidence: 0.95},
	}
	for _, e := range entries {
		if err := st.SaveMemory(e); err != nil {
			t.Fatalf("save %s: %v", e.Key, err)
		}
	}

	// Bare keyword must find snake_case keys (unicode61 splits on "_").
	results, err := st.SearchMemory("api", "", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 || results[0].Key != "api_config" {
		t.Fatalf("search(api) = %+v, want api_config first", results)
	}

	// Operator characters in the query must not be FTS syntax errors.
	if _, err := st.SearchMemory(`release* OR "x" (y)`, "", 10); err != nil {
		t.Errorf("operator query errored: %v", err)
	}

	// Category filter.
	results, err = st.SearchMemory("deploy", CategorySkill, 10)
	if err != nil {
		t.Fatalf("search with category: %v", err)
	}
	if len(results) != 1 || results[0].Key != "deploy_flow" {
		t.Errorf("category search = %+v", results)
	}
	results, _ = st.SearchMemory("deploy", CategorySecurity, 10)
	if len(results) != 0 {
		t.Errorf("wrong category matched: %+v", results)
	}

	// Conversational query falls back to OR-of-keywords.
	results, err = st.SearchMemory("where does the owner live timezone UTC-3", "", 10)
	if err != nil {
		t.Fatalf("keyword expansion search: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Key == "owner_tz" {
			found = true
		}
	}
	if !found {
		t.Errorf("expanded search missed owner_tz: %+v", results)
	}
}

func TestSearchMemoryIncrementsAccess(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	st.SaveMemory(MemoryEntry{Key: "hot_topic", L0: "something about caching"})
	st.SearchMemory("caching", "", 10)
	st.SearchMemory("caching", "", 10)

	e, _ := st.GetMemory("hot_topic")
	if e.AccessCount != 3 { // two searches + the get itself
		t.Errorf("access_count = %d, want 3", e.AccessCount)
	}
}

func TestL0Overview(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	st.SaveMemory(MemoryEntry{Key: "a", Category: CategorySkill, L0: "skill a", Confidence: 0.5})
	st.SaveMemory(MemoryEntry{Key: "b", Category: CategorySkill, L0: "skill b", Confidence: 0.9})
	st.SaveMemory(MemoryEntry{Key: "c", Category: CategoryComm, L0: "comm c"})

	ov, err := st.L0Overview()
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if len(ov[CategorySkill]) != 2 || len(ov[CategoryComm]) != 1 {
		t.Fatalf("overview = %+v", ov)
	}
	if ov[CategorySkill][0] != "skill b" {
		t.Errorf("not ordered by confidence: %+v", ov[CategorySkill])
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"plain words", `"plain words"`},
		{`a "quoted" (thing)*`, `"a  quoted   thing"`},
		{`^:{}`, ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeFTSQuery(tt.in); got != tt.want {
			t.Errorf("sanitizeFTSQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
