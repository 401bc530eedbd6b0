package splitter

import (
	"fmt"
	"math"
	"time"
)

// Epsilon is the relative tolerance for comparing amounts.
const Epsilon = 1e-9

const StatusCompleted = "completed"

type PaymentRecord struct {
	Amount    float64   `json:"amount"`
	TxHash    string    `json:"txHash"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type Split struct {
	ID              string                   `json:"id"`
	Amount          float64                  `json:"amount"`
	Currency        string                   `json:"currency"`
	Description     string                   `json:"description"`
	Participants    []string                 `json:"participants"`
	AmountPerPerson float64                  `json:"amountPerPerson"`
	Payments        map[string]PaymentRecord `json:"payments"`
	CreatedBy       string                   `json:"createdBy"`
	CreatedAt       time.Time                `json:"createdAt"`
}

func (s *Split) isParticipant(addr string) bool {
	for _, p := range s.Participants {
		if p == addr {
			return true
		}
	}
	return false
}

// Paid counts participants with a recorded payment.
func (s *Split) Paid() int {
	n := 0
	for _, p := range s.Participants {
		if _, ok := s.Payments[p]; ok {
			n++
		}
	}
	return n
}

func (s *Split) Complete() bool {
	return s.Paid() == len(s.Participants)
}

func (s *Split) TotalPaid() float64 {
	total := 0.0
	for _, rec := range s.Payments {
		total += rec.Amount
	}
	return total
}

// Settled is Complete with the recorded payments adding up to the amount.
func (s *Split) Settled() bool {
	return s.Complete() && AmountsEqual(s.TotalPaid(), s.Amount)
}

func (s *Split) Progress() string {
	return fmt.Sprintf("%d/%d paid", s.Paid(), len(s.Participants))
}

func (s *Split) status(addr string) string {
	if rec, ok := s.Payments[addr]; ok {
		return rec.Status
	}
	return "pending"
}

// AmountsEqual compares within Epsilon scaled to the magnitude of the
// operands.
func AmountsEqual(a, b float64) bool {
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= Epsilon*scale
}

func formatAmount(v float64, currency string) string {
	return fmt.Sprintf("%.2f %s", v, currency)
}
