package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketSetLifecycle(t *testing.T) {
	s := NewTicketSet()

	n := s.Reserve("u1")
	assert.Equal(t, 1, n)
	assert.True(t, s.Reserved("u1"))

	tk := &Ticket{ID: TicketID(n), Number: n, OwnerID: "u1", ThreadRef: "th1", Status: TicketOpen, CreatedAt: time.Now()}
	s.Insert(tk)
	assert.False(t, s.Reserved("u1"))

	got, ok := s.ActiveFor("u1")
	require.True(t, ok)
	assert.Equal(t, "ticket-0001", got.ID)

	byThread, ok := s.ByThread("th1")
	require.True(t, ok)
	assert.Same(t, tk, byThread)

	tk.Status = TicketClosed
	s.Archive(tk.ID)

	_, ok = s.Active(tk.ID)
	assert.False(t, ok)
	_, ok = s.ActiveFor("u1")
	assert.False(t, ok)
	_, ok = s.ByThread("th1")
	assert.False(t, ok)
	closed, ok := s.Closed(tk.ID)
	require.True(t, ok)
	assert.Equal(t, TicketClosed, closed.Status)
}

func TestTicketSetListOrder(t *testing.T) {
	s := NewTicketSet()
	base := time.Now()
	for i, owner := range []string{"c", "a", "b"} {
		n := s.Reserve(owner)
		s.Insert(&Ticket{ID: TicketID(n), Number: n, OwnerID: owner, Status: TicketOpen, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{list[0].OwnerID, list[1].OwnerID, list[2].OwnerID})
}

func TestTicketSetClosedRetention(t *testing.T) {
	s := NewTicketSet()
	for i := 0; i < closedRetention+10; i++ {
		n := s.Reserve("u")
		s.Insert(&Ticket{ID: TicketID(n), Number: n, OwnerID: "u", Status: TicketOpen})
		s.Archive(TicketID(n))
	}

	_, ok := s.Closed(TicketID(1))
	assert.False(t, ok)
	_, ok = s.Closed(TicketID(closedRetention + 10))
	assert.True(t, ok)
}

func TestTicketSetRestore(t *testing.T) {
	s := NewTicketSet()
	s.Restore(7, []Ticket{
		{ID: TicketID(5), Number: 5, OwnerID: "u1", ThreadRef: "th5", Status: TicketClaimed, ClaimedBy: "s1"},
	})

	got, ok := s.ByThread("th5")
	require.True(t, ok)
	assert.Equal(t, "s1", got.ClaimedBy)
	_, ok = s.ActiveFor("u1")
	assert.True(t, ok)
	assert.Equal(t, 8, s.Reserve("u2"))
}
