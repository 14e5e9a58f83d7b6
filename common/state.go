package common

//go:generate enumer -json -sql -type TransferState -trimprefix State

// TransferState is the lifecycle state of a scene in the ledger
type TransferState int

const (
	StateDISCOVERED TransferState = iota
	StateDOWNLOADING
	StateSTORED
	StateREGISTERED
	StateFAILED
)

// CanTransition returns whether the transition s -> to follows the nominal
// lifecycle DISCOVERED -> DOWNLOADING -> STORED -> REGISTERED.
// FAILED is reachable from any non-terminal state. The only regression path,
// the content-hash reset to DISCOVERED, does not go through here: it is an
// explicit ledger reset.
func (s TransferState) CanTransition(to TransferState) bool {
	switch {
	case s == StateFAILED:
		return false
	case to == StateFAILED:
		return s != StateREGISTERED
	case to == StateDISCOVERED:
		return false
	default:
		return to == s+1
	}
}

// Terminal returns whether no automatic transition leaves this state
func (s TransferState) Terminal() bool {
	return s == StateREGISTERED || s == StateFAILED
}
