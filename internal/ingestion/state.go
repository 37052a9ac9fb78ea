package ingestion

// State is a step of the ingestion state machine.
type State string

const (
	StateInitialized           State = "initialized"
	StateRunningActor          State = "running_actor"
	StateActorSucceeded        State = "actor_succeeded"
	StateActorFailed           State = "actor_failed"
	StateFetchingDataset       State = "fetching_dataset"
	StateDatasetFetchSucceeded State = "dataset_fetch_succeeded"
	StateDatasetFetchFailed    State = "dataset_fetch_failed"
	StateProcessingItems       State = "processing_items"
	StateProcessingSucceeded   State = "processing_succeeded"
	StateProcessingPartial     State = "processing_partial"
	StateProcessingFailed      State = "processing_failed"
	StateCompletedSuccess      State = "completed_success"
	StateCompletedWithErrors   State = "completed_with_errors"
)

var stateRanks = map[State]int{
	StateInitialized:           0,
	StateRunningActor:          1,
	StateActorSucceeded:        2,
	StateActorFailed:           2,
	StateFetchingDataset:       3,
	StateDatasetFetchSucceeded: 4,
	StateDatasetFetchFailed:    4,
	StateProcessingItems:       5,
	StateProcessingSucceeded:   6,
	StateProcessingPartial:     6,
	StateProcessingFailed:      6,
	StateCompletedSuccess:      7,
	StateCompletedWithErrors:   7,
}

// Rank is the position of s in the total order of progress, or -1 for an
// unknown state.
func (s State) Rank() int {
	if r, ok := stateRanks[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateActorFailed, StateDatasetFetchFailed, StateCompletedSuccess, StateCompletedWithErrors:
		return true
	}
	return false
}

// Completed reports whether s is one of the two successful end states.
func (s State) Completed() bool {
	return s == StateCompletedSuccess || s == StateCompletedWithErrors
}
