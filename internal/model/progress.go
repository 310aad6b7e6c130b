package model

import "fmt"

// Pipeline stage markers reported through FetchProgress.CurrentStage.
const (
	StageIdle      = "idle"
	StageDiscovery = "discovery"
	StageFetch     = "fetch"
	StageConvert   = "convert"
	StageComplete  = "complete"
)

// StageError returns the stage marker for a run that aborted with err.
func StageError(err error) string {
	return fmt.Sprintf("error: %v", err)
}

// FetchProgress holds running counters for one pipeline invocation.
// It is mutated in place by the orchestrator and pushed to the
// progress observer by value after each unit of work.
type FetchProgress struct {
	IDsDiscovered     int
	MessagesFetched   int
	MessagesConverted int
	MessagesFailed    int
	CurrentStage      string
}

// String renders the progress as a single status line.
func (p FetchProgress) String() string {
	return fmt.Sprintf(
		"[%s] discovered=%d fetched=%d converted=%d failed=%d",
		p.CurrentStage, p.IDsDiscovered, p.MessagesFetched,
		p.MessagesConverted, p.MessagesFailed,
	)
}
