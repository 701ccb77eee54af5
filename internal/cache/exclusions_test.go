package cache

import "testing"

func TestExclusionList_ExactMatch(t *testing.T) {
	el, err := NewExclusionList([]string{"/v1/stream", "/v1/events"}, nil)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	if !el.Matches("/v1/stream") {
		t.Error("exact rule should match")
	}
	if el.Matches("/v1/other") {
		t.Error("unlisted path should not match")
	}
}

func TestExclusionList_PatternMatch(t *testing.T) {
	el, err := NewExclusionList(nil, []string{"^/admin/", `\.csv$`})
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	if !el.Matches("/admin/users") {
		t.Error("prefix pattern should match")
	}
	if !el.Matches("/reports/export.csv") {
		t.Error("suffix pattern should match")
	}
	if el.Matches("/v1/users") {
		t.Error("non-matching path should pass")
	}
}

func TestExclusionList_InvalidPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{"["}); err == nil {
		t.Fatal("invalid regexp should fail at construction")
	}
}

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Matches("/anything") {
		t.Error("nil list should never match")
	}
	if el.Len() != 0 {
		t.Error("nil list length should be 0")
	}
}
