package events

import (
	"fmt"
	"testing"
)

func TestStoreRingBuffer(t *testing.T) {
	s := NewStore(3)
	for i := 1; i <= 5; i++ {
		s.Add(EventLineUpdated, "", "", true, fmt.Sprintf("refresh %d", i))
	}

	if s.Count() != 3 {
		t.Fatalf("Count = %d, want 3", s.Count())
	}
	if s.LastID() != 5 {
		t.Errorf("LastID = %d, want 5", s.LastID())
	}

	all := s.GetAll()
	if all[0].Details != "refresh 5" || all[2].Details != "refresh 3" {
		t.Errorf("unexpected order: %+v", all)
	}
}

func TestStoreQueries(t *testing.T) {
	s := NewStore(10)
	s.Add(EventLogin, "admin", "10.0.0.1", true, "")
	s.Add(EventLineUpdateFailed, "", "", false, "5551234567: invalid credentials")
	s.Add(EventLineUpdated, "", "", true, "5551234567")
	s.Add(EventLineUpdateFailed, "", "", false, "5559876543: timeout")

	tests := []struct {
		name string
		got  []Event
		want []int64
	}{
		{"last two", s.GetLast(2), []int64{4, 3}},
		{"last more than stored", s.GetLast(20), []int64{4, 3, 2, 1}},
		{"since", s.GetSince(2), []int64{4, 3}},
		{"of type", s.GetLastOfType(EventLineUpdateFailed, 5), []int64{4, 2}},
		{"of type limited", s.GetLastOfType(EventLineUpdateFailed, 1), []int64{4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(tt.got), len(tt.want))
			}
			for i, e := range tt.got {
				if e.ID != tt.want[i] {
					t.Errorf("event %d ID = %d, want %d", i, e.ID, tt.want[i])
				}
			}
		})
	}
}
