package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPeer is returned for a peer name missing from the peer map.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrPeerUnreachable is matched by every *PeerUnreachableError.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// PeerUnreachableError reports that every attempt to reach a peer failed
// with a connection error, a timeout or a 5xx answer.
type PeerUnreachableError struct {
	Peer     string
	Attempts int
	Err      error
}

func (e *PeerUnreachableError) Error() string {
	return fmt.Sprintf("peer %q unreachable after %d attempt(s): %v", e.Peer, e.Attempts, e.Err)
}

func (e *PeerUnreachableError) Unwrap() error { return e.Err }

func (e *PeerUnreachableError) Is(target error) bool { return target == ErrPeerUnreachable }

// PeerRejectedError reports a 4xx answer. It is never retried.
type PeerRejectedError struct {
	Peer string
	Code int
	Body string
}

func (e *PeerRejectedError) Error() string {
	return fmt.Sprintf("peer %q rejected request with status %d: %s", e.Peer, e.Code, e.Body)
}
