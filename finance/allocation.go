package finance

import (
	"github.com/finvest/sagaflow"
)

// lotState is the allocatable view of a lot.
type lotState struct {
	ID        string
	UnitPrice sagaflow.Amount
	Remaining sagaflow.Amount
}

type take struct {
	LotID  string
	Amount sagaflow.Amount
}

// planAllocation takes amount from lots in the given (FIFO) order. When
// fractional is false each lot contributes whole multiples of its unit
// price. It returns the takes and the total that could be allocated; the
// plan is complete only when that total equals amount.
func planAllocation(lots []lotState, amount sagaflow.Amount, fractional bool) ([]take, sagaflow.Amount) {
	var (
		takes []take
		got   sagaflow.Amount
	)
	for _, lot := range lots {
		need := amount - got
		if need <= 0 {
			break
		}
		n := min(lot.Remaining, need)
		if !fractional && lot.UnitPrice > 0 {
			n -= n % lot.UnitPrice
		}
		if n <= 0 {
			continue
		}
		takes = append(takes, take{LotID: lot.ID, Amount: n})
		got += n
	}
	return takes, got
}

// allocatable is the most planAllocation could take from lots.
func allocatable(lots []lotState, fractional bool) sagaflow.Amount {
	var total sagaflow.Amount
	for _, lot := range lots {
		n := lot.Remaining
		if !fractional && lot.UnitPrice > 0 {
			n -= n % lot.UnitPrice
		}
		total += n
	}
	return total
}
