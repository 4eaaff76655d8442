// Package reply defines the status vocabulary shared by shard servers,
// client facades and the transaction coordinator.
package reply

// Status is the outcome a shard reports for a transactional operation.
type Status int

const (
	// OK means the operation succeeded; for a prepare it is a commit vote.
	OK Status = iota
	// Fail is a definitive rejection. The transaction cannot commit.
	Fail
	// Retry rejects the proposed commit timestamp but invites another
	// attempt at a higher one, carried alongside the status.
	Retry
	// Timeout means no reply arrived before the deadline. The shard may
	// still have processed the request.
	Timeout
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Fail:
		return "FAIL"
	case Retry:
		return "RETRY"
	case Timeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}
