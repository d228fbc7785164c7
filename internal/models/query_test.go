package models

import (
	"testing"
	"time"
)

func TestSearchQueryValidate(t *testing.T) {
	tests := []struct {
		name    string
		q       SearchQuery
		wantErr bool
		wantK   int
	}{
		{"empty", SearchQuery{}, true, 0},
		{"both set", SearchQuery{Reference: "a.jpg", Data: []byte{1}}, true, 0},
		{"default k", SearchQuery{Reference: "a.jpg"}, false, 4},
		{"clamped k", SearchQuery{Data: []byte{1}, K: 500}, false, 100},
		{"explicit k", SearchQuery{Reference: "a.jpg", K: 7}, false, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.q
			err := q.Validate(4, 100)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && q.K != tt.wantK {
				t.Errorf("K = %d, want %d", q.K, tt.wantK)
			}
		})
	}
}

func TestHumanSize(t *testing.T) {
	for size, want := range map[int64]string{0: "0K", 1: "1K", 1024: "1K", 1025: "2K", 10 * 1024: "10K"} {
		r := &ImageRecord{Size: size}
		if got := r.HumanSize(); got != want {
			t.Errorf("HumanSize(%d) = %q, want %q", size, got, want)
		}
	}
}

func TestJobSummaryTotals(t *testing.T) {
	start := time.Now()
	s := &JobSummary{
		Skipped:    map[SkipReason]int{SkipFetchFailed: 2, SkipNotImage: 3},
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}
	if s.TotalSkipped() != 5 {
		t.Errorf("TotalSkipped = %d, want 5", s.TotalSkipped())
	}
	if s.Duration() != time.Second {
		t.Errorf("Duration = %v", s.Duration())
	}
}
