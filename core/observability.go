package core

// ExecutorStats represents runtime observability state for one executor.
type ExecutorStats struct {
	Name    string
	Mode    AffinityMode
	Workers int
	Pending int
	Running int
	// Abandoned counts timed-out background bodies that have not returned yet.
	Abandoned int
	Closed    bool
}

// CoordinatorStats aggregates the registry and both executors.
type CoordinatorStats struct {
	Main       ExecutorStats
	Background ExecutorStats

	// Submitted counts accepted submissions since construction.
	Submitted int64
	// Rejected counts submissions that failed validation.
	Rejected int64
	// Active counts non-terminal records in the registry.
	Active int

	// Terminal counts by state.
	Completed int64
	Failed    int64
	TimedOut  int64
	Cancelled int64

	ShuttingDown bool
}
