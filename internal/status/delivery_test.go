package status

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Delivery
		want     bool
	}{
		{Pending, Sent, true},
		{Sent, Delivered, true},
		{Delivered, Read, true},
		{Pending, Failed, true},
		{Sent, Read, true},
		{Pending, Read, true},
		{Read, Read, true},

		{Read, Delivered, false},
		{Delivered, Sent, false},
		{Sent, Pending, false},
		{Sent, Failed, false},
		{Failed, Sent, false},
		{Failed, Pending, false},
		{Pending, "bogus", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestAdvanceBackward(t *testing.T) {
	got, err := Advance(Read, Delivered)
	if !errors.Is(err, ErrBackward) {
		t.Fatalf("Advance(read, delivered) error = %v, want ErrBackward", err)
	}
	if got != Read {
		t.Errorf("status = %s, want read (unchanged)", got)
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		a, b, want Delivery
	}{
		{Pending, Sent, Sent},
		{Read, Delivered, Read},
		{Sent, Sent, Sent},
		{Failed, Sent, Sent},
		{Pending, Failed, Failed},
		{"", Delivered, Delivered},
	}
	for _, tt := range tests {
		if got := Merge(tt.a, tt.b); got != tt.want {
			t.Errorf("Merge(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}
