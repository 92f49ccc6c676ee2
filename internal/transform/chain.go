package transform

import (
	"sort"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Chain is the ordered assignment history of one patent, with derived
// ownership metadata.
type Chain struct {
	Patent      types.PatentKey
	Assignments []*types.PatentAssignment // record-date order, predecessors linked

	// SpanStart/SpanEnd bound the recorded history.
	SpanStart time.Time
	SpanEnd   time.Time

	// CurrentAssignees is the assignee list of the last ownership-changing
	// conveyance; licenses and security interests do not move ownership.
	CurrentAssignees []string
}

// ChainIssue reports a rejected patent history. The patent's assignments
// are excluded from the output; the run records the warning.
type ChainIssue struct {
	Patent types.PatentKey
	Err    error
}

// BuildChains groups assignments by patent, orders each history by record
// date (reel/frame id as tie-break), links predecessors, and derives
// ownership. Histories whose input predecessor references form a cycle are
// rejected as corrupt.
func BuildChains(assignments []*types.PatentAssignment) ([]Chain, []ChainIssue) {
	byPatent := make(map[types.PatentKey][]*types.PatentAssignment)
	var order []types.PatentKey
	for _, a := range assignments {
		if _, ok := byPatent[a.PatentKey]; !ok {
			order = append(order, a.PatentKey)
		}
		byPatent[a.PatentKey] = append(byPatent[a.PatentKey], a)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].String() < order[j].String() })

	var chains []Chain
	var issues []ChainIssue
	for _, key := range order {
		history := byPatent[key]
		if err := rejectCycles(history); err != nil {
			issues = append(issues, ChainIssue{Patent: key, Err: err})
			continue
		}
		sort.SliceStable(history, func(i, j int) bool {
			if !history[i].RecordDate.Equal(history[j].RecordDate) {
				return history[i].RecordDate.Before(history[j].RecordDate)
			}
			return history[i].RFID < history[j].RFID
		})
		for i := range history {
			if i == 0 {
				history[i].PredecessorRF = ""
			} else {
				history[i].PredecessorRF = history[i-1].RFID
			}
		}
		chains = append(chains, summarize(key, history))
	}
	return chains, issues
}

// rejectCycles checks predecessor references carried by the input. The
// builder overwrites them afterwards; a cycle in the carried references
// means the source data is corrupt and the whole history is suspect.
func rejectCycles(history []*types.PatentAssignment) error {
	byRF := make(map[string]*types.PatentAssignment, len(history))
	for _, a := range history {
		if _, dup := byRF[a.RFID]; dup {
			return errors.Newf(errors.ErrCodeValidation, "duplicate reel/frame id %s in history", a.RFID)
		}
		byRF[a.RFID] = a
	}
	for _, start := range history {
		slow, fast := start, start
		for {
			fast = successor(byRF, fast)
			if fast == nil {
				break
			}
			fast = successor(byRF, fast)
			slow = successor(byRF, slow)
			if fast == nil {
				break
			}
			if slow == fast {
				return errors.Newf(errors.ErrCodeValidation,
					"predecessor references form a cycle through %s", start.RFID)
			}
		}
	}
	return nil
}

func successor(byRF map[string]*types.PatentAssignment, a *types.PatentAssignment) *types.PatentAssignment {
	if a == nil || a.PredecessorRF == "" {
		return nil
	}
	return byRF[a.PredecessorRF]
}

func summarize(key types.PatentKey, history []*types.PatentAssignment) Chain {
	c := Chain{Patent: key, Assignments: history}
	if len(history) > 0 {
		c.SpanStart = history[0].RecordDate
		c.SpanEnd = history[len(history)-1].RecordDate
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Conveyance.ChangesOwnership() {
			c.CurrentAssignees = history[i].Assignees
			break
		}
	}
	return c
}
