package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventHashKey(t *testing.T) {
	cases := []struct {
		name string
		a, b Event
		want bool
	}{
		{
			name: "same source kind path dedups",
			a:    Event{Source: "journal", Kind: "error_operational", Path: "/var/log/x"},
			b:    Event{Source: "journal", Kind: "error_operational", Path: "/var/log/x", Message: "different message"},
			want: true,
		},
		{
			name: "different unit does not dedup",
			a:    Event{Source: "journal", Kind: "dream_heartbeat", Unit: "dream-a"},
			b:    Event{Source: "journal", Kind: "dream_heartbeat", Unit: "dream-b"},
			want: false,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := c.a.HashKey() == c.b.HashKey()
			assert.Equal(t, c.want, got)
		})
	}
}

func TestEvidenceHashIsOrderIndependent(t *testing.T) {
	h1 := EvidenceHash([]string{"b", "a", "c"})
	h2 := EvidenceHash([]string{"c", "b", "a"})
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
}

func TestEvidenceHashChangesWithContent(t *testing.T) {
	h1 := EvidenceHash([]string{"a", "b"})
	h2 := EvidenceHash([]string{"a", "b", "c"})
	assert.NotEqual(t, h1, h2)
}

func TestInvestigationRecordIsFailure(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		rec  InvestigationRecord
		prev string
		want bool
	}{
		{
			name: "completed with evidence and new hash is success",
			rec:  InvestigationRecord{Status: "completed", Evidence: []string{"e1"}, EvidenceHash: "abc", StartedAt: now},
			prev: "def",
			want: false,
		},
		{name: "non-completed status fails", rec: InvestigationRecord{Status: "failed"}, want: true},
		{name: "unsolvable status fails", rec: InvestigationRecord{Status: "unsolvable"}, want: true},
		{name: "empty evidence fails", rec: InvestigationRecord{Status: "completed", Evidence: nil}, want: true},
		{
			name: "repeated evidence hash fails",
			rec:  InvestigationRecord{Status: "completed", Evidence: []string{"e1"}, EvidenceHash: "abc"},
			prev: "abc",
			want: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.rec.IsFailure(c.prev))
		})
	}
}
