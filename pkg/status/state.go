package status

import (
	"sync/atomic"
)

//nolint:recvcheck // String() uses value receiver (called on State values), Get/Set use pointer receivers (atomic ops)
type State int32

const (
	Initial State = iota
	ReadCatalog
	ApplySchema
	CopyRows
	ApplyObjects
	Verify
	PostChecks
	Close
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case ReadCatalog:
		return "readCatalog"
	case ApplySchema:
		return "applySchema"
	case CopyRows:
		return "copyRows"
	case ApplyObjects:
		return "applyObjects"
	case Verify:
		return "verify"
	case PostChecks:
		return "postChecks"
	case Close:
		return "close"
	}
	return "unknown"
}

func (s *State) Get() State {
	return State(atomic.LoadInt32((*int32)(s)))
}

func (s *State) Set(newState State) {
	atomic.StoreInt32((*int32)(s), int32(newState))
}
