// Package migration implements the donor and recipient halves of chunk
// migration, grounded in spec sections 4.6/4.7 (themselves a Go-native
// redesign of mongos/mongod's MigrationSourceManager and
// MigrationDestinationManager). Both sides are explicit state machines
// driven by the shard-to-shard RPC commands in pkg/transport.
package migration

// DonorState is the donor-side migration state machine's current phase.
type DonorState int

const (
	DonorIdle DonorState = iota
	DonorPreparing
	DonorCloning
	DonorCatchup
	DonorSteady
	DonorCommitStart
	DonorDone
	DonorAbort
	DonorFail
)

func (s DonorState) String() string {
	switch s {
	case DonorIdle:
		return "Idle"
	case DonorPreparing:
		return "Preparing"
	case DonorCloning:
		return "Cloning"
	case DonorCatchup:
		return "Catchup"
	case DonorSteady:
		return "Steady"
	case DonorCommitStart:
		return "CommitStart"
	case DonorDone:
		return "Done"
	case DonorAbort:
		return "Abort"
	case DonorFail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s DonorState) Terminal() bool {
	return s == DonorDone || s == DonorAbort || s == DonorFail
}

// RecipientState is the recipient-side migration state machine's current
// phase.
type RecipientState int

const (
	RecipientReady RecipientState = iota
	RecipientClone
	RecipientCatchup
	RecipientSteady
	RecipientCommitStart
	RecipientDone
	RecipientAbort
	RecipientFail
)

func (s RecipientState) String() string {
	switch s {
	case RecipientReady:
		return "Ready"
	case RecipientClone:
		return "Clone"
	case RecipientCatchup:
		return "Catchup"
	case RecipientSteady:
		return "Steady"
	case RecipientCommitStart:
		return "CommitStart"
	case RecipientDone:
		return "Done"
	case RecipientAbort:
		return "Abort"
	case RecipientFail:
		return "Fail"
	default:
		return "Unknown"
	}
}

func (s RecipientState) Terminal() bool {
	return s == RecipientDone || s == RecipientAbort || s == RecipientFail
}
