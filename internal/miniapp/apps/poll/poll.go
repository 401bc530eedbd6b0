package poll

import (
	"math"
	"time"
)

type VoteRecord struct {
	SelectedOptions []int     `json:"selectedOptions"`
	Timestamp       time.Time `json:"timestamp"`
}

type Poll struct {
	ID            string                `json:"id"`
	Question      string                `json:"question"`
	Options       []string              `json:"options"`
	AllowMultiple bool                  `json:"allowMultiple"`
	Votes         map[string]VoteRecord `json:"votes"`
	CreatedBy     string                `json:"createdBy"`
	CreatedAt     time.Time             `json:"createdAt"`
	EndTime       *time.Time            `json:"endTime,omitempty"`
}

// Closed reports whether voting has ended at now.
func (p *Poll) Closed(now time.Time) bool {
	return p.EndTime != nil && !now.Before(*p.EndTime)
}

type OptionResult struct {
	Index      int    `json:"index"`
	Option     string `json:"option"`
	Votes      int    `json:"votes"`
	Percentage int    `json:"percentage"`
}

type Tally struct {
	PollID      string         `json:"pollId"`
	Question    string         `json:"question"`
	Results     []OptionResult `json:"results"`
	TotalVoters int            `json:"totalVoters"`
}

// Tally counts each voter's current selection. Percentages are relative to
// the number of voters, so multi-choice polls can sum past 100.
func (p *Poll) Tally() Tally {
	counts := make([]int, len(p.Options))
	for _, v := range p.Votes {
		for _, idx := range v.SelectedOptions {
			if idx >= 0 && idx < len(counts) {
				counts[idx]++
			}
		}
	}
	total := len(p.Votes)
	results := make([]OptionResult, len(p.Options))
	for i, opt := range p.Options {
		pct := 0
		if total > 0 {
			pct = int(math.Round(100 * float64(counts[i]) / float64(total)))
		}
		results[i] = OptionResult{Index: i, Option: opt, Votes: counts[i], Percentage: pct}
	}
	return Tally{PollID: p.ID, Question: p.Question, Results: results, TotalVoters: total}
}
