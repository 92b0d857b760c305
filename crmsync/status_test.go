package crmsync

import "testing"

func TestHighestPriorityStage(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		want     string
		ok       bool
	}{
		{"uniform set", []string{"confirmed", "confirmed", "confirmed"}, "confirmed", true},
		{"mixed set picks priority", []string{"completed", "confirmed"}, "confirmed", true},
		{"one escalated order wins", []string{"confirmed", "confirmed", "to_be_invoiced"}, "to_be_invoiced", true},
		{"display names are folded", []string{"Concept", "To be invoiced"}, "to_be_invoiced", true},
		{"cancelled is weakest", []string{"cancelled", "concept"}, "concept", true},
		{"empty set says nothing", nil, "", false},
		{"unknown statuses ignored", []string{"weird", "bogus"}, "", false},
		{"unknown mixed with known", []string{"weird", "pending"}, "pending", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := HighestPriorityStage(tc.statuses)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("HighestPriorityStage(%v) = (%q, %v), want (%q, %v)", tc.statuses, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestHighestPriorityStageIsOrderIndependent(t *testing.T) {
	a, _ := HighestPriorityStage([]string{"pending", "invoiced", "confirmed"})
	b, _ := HighestPriorityStage([]string{"confirmed", "pending", "invoiced"})
	if a != b {
		t.Fatalf("aggregation must not depend on input order: %q vs %q", a, b)
	}
}
