package poll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"event-chat/go-backend/internal/miniapp"
)

const (
	ActionCreate  = "create-poll"
	ActionVote    = "vote"
	ActionResults = "results"

	stateKey   = "polls"
	minOptions = 2
)

var ErrPollNotFound = fmt.Errorf("poll %w", miniapp.ErrNotFound)

type createParams struct {
	Question      string     `json:"question"`
	Options       []string   `json:"options"`
	AllowMultiple bool       `json:"allowMultiple"`
	EndTime       *time.Time `json:"endTime"`
}

type voteParams struct {
	PollID          string `json:"pollId"`
	SelectedOptions []int  `json:"selectedOptions"`
}

type resultsParams struct {
	PollID string `json:"pollId"`
}

type Handler struct {
	newID func() string
}

func New() *Handler {
	return &Handler{newID: uuid.NewString}
}

func (h *Handler) Handle(_ context.Context, call *miniapp.Call) (miniapp.Response, error) {
	polls, err := pollsState(call.Session)
	if err != nil {
		return miniapp.Response{}, err
	}
	switch call.Action {
	case ActionCreate:
		return h.create(call, polls)
	case ActionVote:
		return vote(call, polls)
	case ActionResults:
		return results(call, polls)
	default:
		return miniapp.Response{}, fmt.Errorf("%w: %s", miniapp.ErrUnsupportedAction, call.Action)
	}
}

func (h *Handler) create(call *miniapp.Call, polls map[string]*Poll) (miniapp.Response, error) {
	var p createParams
	if err := call.DecodeParams(&p); err != nil {
		return miniapp.Response{}, err
	}
	var problems []error
	question := strings.TrimSpace(p.Question)
	if question == "" {
		problems = append(problems, miniapp.Invalid("question", "is required"))
	}
	options := make([]string, 0, len(p.Options))
	for i, opt := range p.Options {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			problems = append(problems, miniapp.Invalid("options", "option %d is empty", i))
			continue
		}
		options = append(options, opt)
	}
	if len(p.Options) < minOptions {
		problems = append(problems, miniapp.Invalid("options", "at least %d options are required", minOptions))
	}
	if p.EndTime != nil && !p.EndTime.After(call.Now) {
		problems = append(problems, miniapp.Invalid("endTime", "must be in the future"))
	}
	if len(problems) > 0 {
		return miniapp.Response{}, errors.Join(problems...)
	}

	poll := &Poll{
		ID:            h.newID(),
		Question:      question,
		Options:       options,
		AllowMultiple: p.AllowMultiple,
		Votes:         make(map[string]VoteRecord),
		CreatedBy:     call.Actor,
		CreatedAt:     call.Now,
	}
	if p.EndTime != nil {
		end := p.EndTime.UTC()
		poll.EndTime = &end
	}
	polls[poll.ID] = poll

	ui := &miniapp.UISchema{Title: poll.Question}
	for i, opt := range poll.Options {
		ui.Actions = append(ui.Actions, miniapp.UIAction{
			ID:     fmt.Sprintf("option-%d", i),
			Label:  opt,
			Action: ActionVote,
			Params: map[string]any{"pollId": poll.ID, "selectedOptions": []int{i}},
		})
	}
	if poll.AllowMultiple {
		ui.Content = append(ui.Content, miniapp.Text("Mode", "multiple choice"))
	}
	if poll.EndTime != nil {
		ui.Content = append(ui.Content, miniapp.Text("Closes", poll.EndTime.Format(time.RFC3339)))
	}
	return miniapp.Response{
		Data: map[string]any{
			"pollId":   poll.ID,
			"question": poll.Question,
			"options":  poll.Options,
		},
		UI:          ui,
		NextActions: []string{ActionVote, ActionResults},
	}, nil
}

func vote(call *miniapp.Call, polls map[string]*Poll) (miniapp.Response, error) {
	var p voteParams
	if err := call.DecodeParams(&p); err != nil {
		return miniapp.Response{}, err
	}
	poll, ok := polls[strings.TrimSpace(p.PollID)]
	if !ok {
		return miniapp.Response{}, fmt.Errorf("%w: %q", ErrPollNotFound, p.PollID)
	}
	if poll.Closed(call.Now) {
		return miniapp.Response{}, miniapp.Invalid("pollId", "poll closed at %s", poll.EndTime.Format(time.RFC3339))
	}
	if err := validateSelection(poll, p.SelectedOptions); err != nil {
		return miniapp.Response{}, err
	}
	// Last vote wins.
	poll.Votes[call.Actor] = VoteRecord{
		SelectedOptions: append([]int(nil), p.SelectedOptions...),
		Timestamp:       call.Now,
	}
	tally := poll.Tally()
	return miniapp.Response{
		Data:        tally,
		UI:          resultsCard(tally),
		NextActions: []string{ActionResults},
	}, nil
}

func results(call *miniapp.Call, polls map[string]*Poll) (miniapp.Response, error) {
	var p resultsParams
	if err := call.DecodeParams(&p); err != nil {
		return miniapp.Response{}, err
	}
	poll, ok := polls[strings.TrimSpace(p.PollID)]
	if !ok {
		return miniapp.Response{}, fmt.Errorf("%w: %q", ErrPollNotFound, p.PollID)
	}
	tally := poll.Tally()
	return miniapp.Response{Data: tally, UI: resultsCard(tally)}, nil
}

func validateSelection(poll *Poll, selected []int) error {
	if len(selected) == 0 {
		return miniapp.Invalid("selectedOptions", "select at least one option")
	}
	if !poll.AllowMultiple && len(selected) != 1 {
		return miniapp.Invalid("selectedOptions", "this poll accepts exactly one option")
	}
	seen := make(map[int]struct{}, len(selected))
	for _, idx := range selected {
		if idx < 0 || idx >= len(poll.Options) {
			return miniapp.Invalid("selectedOptions", "option %d does not exist", idx)
		}
		if _, dup := seen[idx]; dup {
			return miniapp.Invalid("selectedOptions", "option %d selected twice", idx)
		}
		seen[idx] = struct{}{}
	}
	return nil
}

func pollsState(s *miniapp.Session) (map[string]*Poll, error) {
	raw, ok := s.State[stateKey]
	if !ok {
		polls := make(map[string]*Poll)
		s.State[stateKey] = polls
		return polls, nil
	}
	polls, ok := raw.(map[string]*Poll)
	if !ok {
		return nil, fmt.Errorf("session %s: malformed %s state (%T)", s.ID, stateKey, raw)
	}
	return polls, nil
}

func resultsCard(t Tally) *miniapp.UISchema {
	ui := &miniapp.UISchema{Title: t.Question}
	for _, r := range t.Results {
		ui.Content = append(ui.Content, miniapp.UIComponent{
			Type:  "bar",
			Label: r.Option,
			Value: r.Percentage,
			Props: map[string]any{"votes": r.Votes},
		})
	}
	ui.Content = append(ui.Content, miniapp.Text("Voters", t.TotalVoters))
	return ui
}
