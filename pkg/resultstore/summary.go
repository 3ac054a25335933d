package resultstore

import "fmt"

// Summary counts outcomes across a results map.
//
// Every job lands in exactly one of Completed, TimedOut or Failed.
// Incomplete and Interrupted are subsets of Failed.
type Summary struct {
	Total       int `json:"total"`
	Completed   int `json:"completed"`
	TimedOut    int `json:"timed_out"`
	Failed      int `json:"failed"`
	Incomplete  int `json:"incomplete"`
	Interrupted int `json:"interrupted"`
}

// Summarize classifies each result.
func Summarize(results Results) Summary {
	var s Summary
	for _, r := range results {
		s.Total++
		switch {
		case r.IsTimedOut():
			s.TimedOut++
		case r.HasArtifact():
			s.Completed++
		default:
			s.Failed++
			if r.IsIncomplete() {
				s.Incomplete++
			}
			if r.IsInterrupted() {
				s.Interrupted++
			}
		}
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("total=%d completed=%d timed_out=%d failed=%d (incomplete=%d interrupted=%d)",
		s.Total, s.Completed, s.TimedOut, s.Failed, s.Incomplete, s.Interrupted)
}
