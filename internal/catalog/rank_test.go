package catalog

import "testing"

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		name     string
		a        string
		b        string
		expected int
	}{
		{"identical empty", "", "", 0},
		{"identical word", "sunset", "sunset", 0},
		{"empty a", "", "beach", 5},
		{"empty b", "beach", "", 5},
		{"one substitution", "img001", "img002", 1},
		{"one insertion", "photo", "photos", 1},
		{"one deletion", "photos", "photo", 1},
		{"kitten to sitting", "kitten", "sitting", 3},
		{"unicode substitution", "café", "cafe", 1},
		{"transposition", "ab", "ba", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LevenshteinDistance(tt.a, tt.b); got != tt.expected {
				t.Errorf("LevenshteinDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.expected)
			}
			if got := LevenshteinDistance(tt.b, tt.a); got != tt.expected {
				t.Errorf("distance is not symmetric for %q, %q", tt.a, tt.b)
			}
		})
	}
}

func TestStem(t *testing.T) {
	if got := stem("Holiday_Beach.JPG"); got != "holiday_beach" {
		t.Errorf("stem = %q", got)
	}
	if got := stem("archive.tar.gz"); got != "archive.tar" {
		t.Errorf("stem = %q", got)
	}
}

func TestNameBoost(t *testing.T) {
	tests := []struct {
		q, stem string
		want    float64
	}{
		{"photo_c", "photo_c", exactNameBoost},
		{"Photo C", "photo_c", exactNameBoost},
		{"photoc", "photo_c", joinedNameBoost},
		{"beach", "holiday_beach_01", phraseNameBoost},
		{"holiday beach", "holiday_beach_01", phraseNameBoost},
		{"photo_d", "photo_c", typoNameBoost},
		{"sunset", "photo_c", 0},
		{"", "photo_c", 0},
		{"each", "holiday_beach", 0},
	}
	for _, tt := range tests {
		if got := nameBoost(tt.q, tt.stem); got != tt.want {
			t.Errorf("nameBoost(%q, %q) = %v, want %v", tt.q, tt.stem, got, tt.want)
		}
	}
}

func TestRerank(t *testing.T) {
	hits := []Hit{{ID: 1, Score: 1.0}, {ID: 2, Score: 0.9}, {ID: 3, Score: 0.8}}
	stems := map[uint64]string{1: "photo_a", 2: "photo_b", 3: "photo_c"}
	rerank("photo_c", hits, stems)
	if hits[0].ID != 3 {
		t.Fatalf("expected exact name first, got %+v", hits)
	}
	// photo_a and photo_b are both one edit away and keep their text order
	if hits[1].ID != 1 || hits[2].ID != 2 {
		t.Errorf("unexpected order %+v", hits)
	}
}
