package timestamp

import "fmt"

// Timestamp is the commit ordering point of a transaction. The physical
// component comes from a loosely synchronised clock, and the coordinator ID
// breaks ties so two coordinators never mint equal timestamps.
type Timestamp struct {
	Time     uint64 `json:"time"`
	ClientID uint64 `json:"client_id"`
}

// New returns a timestamp for the given physical time and coordinator ID.
func New(t, clientID uint64) Timestamp {
	return Timestamp{Time: t, ClientID: clientID}
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.Time == 0 && t.ClientID == 0
}

// Less reports whether t orders strictly before o.
func (t Timestamp) Less(o Timestamp) bool {
	if t.Time != o.Time {
		return t.Time < o.Time
	}
	return t.ClientID < o.ClientID
}

// LessEq reports whether t orders before or equal to o.
func (t Timestamp) LessEq(o Timestamp) bool {
	return t == o || t.Less(o)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Time, t.ClientID)
}

// Max returns the later of a and b.
func Max(a, b Timestamp) Timestamp {
	if a.Less(b) {
		return b
	}
	return a
}
