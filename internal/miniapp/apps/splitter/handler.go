package splitter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"event-chat/go-backend/internal/miniapp"
	"event-chat/go-backend/internal/wallet"
)

const (
	ActionCreate = "create-split"
	ActionPay    = "pay-split"
	ActionStatus = "split-status"

	stateKey = "splits"
)

var ErrSplitNotFound = fmt.Errorf("split %w", miniapp.ErrNotFound)

type createParams struct {
	Amount       float64  `json:"amount"`
	Currency     string   `json:"currency"`
	Participants []string `json:"participants"`
	Description  string   `json:"description"`
}

type payParams struct {
	SplitID string  `json:"splitId"`
	Amount  float64 `json:"amount"`
}

type statusParams struct {
	SplitID string `json:"splitId"`
}

// Handler implements the payment splitter. Payments go through the wallet
// collaborator; the handler only records receipts.
type Handler struct {
	payer wallet.Payer
	newID func() string
}

func New(payer wallet.Payer) *Handler {
	return &Handler{payer: payer, newID: uuid.NewString}
}

func (h *Handler) Handle(ctx context.Context, call *miniapp.Call) (miniapp.Response, error) {
	splits, err := splitsState(call.Session)
	if err != nil {
		return miniapp.Response{}, err
	}
	switch call.Action {
	case ActionCreate:
		return h.create(call, splits)
	case ActionPay:
		return h.pay(ctx, call, splits)
	case ActionStatus:
		return h.status(call, splits)
	default:
		return miniapp.Response{}, fmt.Errorf("%w: %s", miniapp.ErrUnsupportedAction, call.Action)
	}
}

func (h *Handler) create(call *miniapp.Call, splits map[string]*Split) (miniapp.Response, error) {
	var p createParams
	if err := call.DecodeParams(&p); err != nil {
		return miniapp.Response{}, err
	}
	var problems []error
	if !(p.Amount > 0) || math.IsInf(p.Amount, 0) {
		problems = append(problems, miniapp.Invalid("amount", "must be a positive number, got %v", p.Amount))
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		problems = append(problems, miniapp.Invalid("currency", "is required"))
	}
	participants, err := normalizeParticipants(p.Participants)
	if err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return miniapp.Response{}, errors.Join(problems...)
	}

	split := &Split{
		ID:              h.newID(),
		Amount:          p.Amount,
		Currency:        currency,
		Description:     strings.TrimSpace(p.Description),
		Participants:    participants,
		AmountPerPerson: p.Amount / float64(len(participants)),
		Payments:        make(map[string]PaymentRecord),
		CreatedBy:       call.Actor,
		CreatedAt:       call.Now,
	}
	splits[split.ID] = split

	return miniapp.Response{
		Data: map[string]any{
			"splitId":         split.ID,
			"amountPerPerson": split.AmountPerPerson,
			"currency":        split.Currency,
			"participants":    split.Participants,
		},
		UI:          splitCard(split),
		NextActions: []string{ActionPay, ActionStatus},
	}, nil
}

func (h *Handler) pay(ctx context.Context, call *miniapp.Call, splits map[string]*Split) (miniapp.Response, error) {
	var p payParams
	if err := call.DecodeParams(&p); err != nil {
		return miniapp.Response{}, err
	}
	split, ok := splits[strings.TrimSpace(p.SplitID)]
	if !ok {
		return miniapp.Response{}, fmt.Errorf("%w: %q", ErrSplitNotFound, p.SplitID)
	}
	if !(p.Amount > 0) || math.IsInf(p.Amount, 0) {
		return miniapp.Response{}, miniapp.Invalid("amount", "must be a positive number, got %v", p.Amount)
	}
	if !split.isParticipant(call.Actor) {
		return miniapp.Response{}, miniapp.Invalid("actor", "%s is not a participant of this split", call.Actor)
	}

	receipt, err := h.payer.Pay(ctx, wallet.Payment{
		From:      call.Actor,
		To:        split.CreatedBy,
		Amount:    p.Amount,
		Currency:  split.Currency,
		Reference: split.ID,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrPaymentRejected) {
			return miniapp.Response{}, miniapp.Invalid("payment", "%v", err)
		}
		return miniapp.Response{}, err
	}
	ts := receipt.Timestamp
	if ts.IsZero() {
		ts = call.Now
	}
	// A repeat payment replaces the earlier record.
	split.Payments[call.Actor] = PaymentRecord{
		Amount:    p.Amount,
		TxHash:    receipt.TxHash,
		Timestamp: ts,
		Status:    StatusCompleted,
	}

	next := []string{ActionStatus}
	if !split.Complete() {
		next = append(next, ActionPay)
	}
	return miniapp.Response{
		Data: map[string]any{
			"splitId":  split.ID,
			"txHash":   receipt.TxHash,
			"progress": split.Progress(),
			"paid":     split.Paid(),
			"total":    len(split.Participants),
			"complete": split.Complete(),
		},
		UI:          splitCard(split),
		NextActions: next,
	}, nil
}

func (h *Handler) status(call *miniapp.Call, splits map[string]*Split) (miniapp.Response, error) {
	var p statusParams
	if err := call.DecodeParams(&p); err != nil {
		return miniapp.Response{}, err
	}
	split, ok := splits[strings.TrimSpace(p.SplitID)]
	if !ok {
		return miniapp.Response{}, fmt.Errorf("%w: %q", ErrSplitNotFound, p.SplitID)
	}
	statuses := make(map[string]string, len(split.Participants))
	for _, addr := range split.Participants {
		statuses[addr] = split.status(addr)
	}
	return miniapp.Response{
		Data: map[string]any{
			"splitId":   split.ID,
			"progress":  split.Progress(),
			"complete":  split.Complete(),
			"settled":   split.Settled(),
			"totalPaid": split.TotalPaid(),
			"statuses":  statuses,
		},
		UI: splitCard(split),
	}, nil
}

func normalizeParticipants(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, miniapp.Invalid("participants", "at least one participant is required")
	}
	addrs, err := wallet.NormalizeAddresses(raw)
	if err != nil {
		return nil, miniapp.Invalid("participants", "%v", err)
	}
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if _, dup := seen[a]; dup {
			return nil, miniapp.Invalid("participants", "%s is listed twice", a)
		}
		seen[a] = struct{}{}
	}
	return addrs, nil
}

// splitsState returns the typed splits map, creating it on first use.
func splitsState(s *miniapp.Session) (map[string]*Split, error) {
	raw, ok := s.State[stateKey]
	if !ok {
		splits := make(map[string]*Split)
		s.State[stateKey] = splits
		return splits, nil
	}
	splits, ok := raw.(map[string]*Split)
	if !ok {
		return nil, fmt.Errorf("session %s: malformed %s state (%T)", s.ID, stateKey, raw)
	}
	return splits, nil
}

func splitCard(split *Split) *miniapp.UISchema {
	title := "Split payment"
	if split.Description != "" {
		title = "Split: " + split.Description
	}
	content := []miniapp.UIComponent{
		miniapp.Text("Total", formatAmount(split.Amount, split.Currency)),
		miniapp.Text("Per person", formatAmount(split.AmountPerPerson, split.Currency)),
		miniapp.Progress(split.Progress(), split.Paid(), len(split.Participants)),
	}
	for _, addr := range split.Participants {
		content = append(content, miniapp.UIComponent{Type: "participant", Label: addr, Value: split.status(addr)})
	}
	var actions []miniapp.UIAction
	if !split.Complete() {
		actions = append(actions, miniapp.UIAction{
			ID:     "pay",
			Label:  "Pay " + formatAmount(split.AmountPerPerson, split.Currency),
			Action: ActionPay,
			Params: map[string]any{"splitId": split.ID, "amount": split.AmountPerPerson},
		})
	}
	return &miniapp.UISchema{Title: title, Content: content, Actions: actions}
}
