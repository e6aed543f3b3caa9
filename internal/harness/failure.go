package harness

import "fmt"

// FailureDrill is a scripted guide for exercising a node-outage scenario
// end to end against a running cluster.
type FailureDrill struct {
	Scenario       string   `json:"scenario"`
	Description    string   `json:"description"`
	Steps          []string `json:"steps"`
	Expected       string   `json:"expected"`
	CurrentPending int      `json:"current_pending"`
}

// SimulateFailure returns the drill for a named outage scenario.  The
// caller supplies the live pending-replication count so the drill shows
// where the backlog stands before the operator starts.
func SimulateFailure(scenario string, currentPending int) (FailureDrill, error) {
	switch scenario {
	case "fragment-to-central":
		return FailureDrill{
			Scenario:    "central node failure during replication",
			Description: "the fragment write succeeds but replication to central fails",
			Steps: []string{
				"1. Stop the central node",
				"2. Insert a new title via POST /titles",
				"3. Check the pending queue: GET /recovery/status",
				"4. Restart the central node",
				"5. Trigger recovery: POST /recovery/central",
			},
			Expected:       "insert succeeds on the fragment and is queued for central",
			CurrentPending: currentPending,
		}, nil
	case "central-to-fragment":
		return FailureDrill{
			Scenario:    "fragment node failure during replication",
			Description: "the central write succeeds via fallback but fragment replication fails",
			Steps: []string{
				"1. Stop the fragA node",
				"2. Insert a movie via POST /titles (the write falls back to central)",
				"3. Check the pending queue: GET /recovery/status",
				"4. Restart the fragA node",
				"5. Trigger recovery: POST /recovery/fragA",
			},
			Expected:       "insert succeeds on central and is queued for the fragment",
			CurrentPending: currentPending,
		}, nil
	}
	return FailureDrill{}, fmt.Errorf("unknown scenario %q (valid: fragment-to-central, central-to-fragment)", scenario)
}
