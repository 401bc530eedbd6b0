package splitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-chat/go-backend/internal/miniapp"
	"event-chat/go-backend/internal/miniapp/registry"
	"event-chat/go-backend/internal/wallet"
)

const (
	addrA = "0x1111111111111111111111111111111111111111"
	addrB = "0x2222222222222222222222222222222222222222"
	addrC = "0x3333333333333333333333333333333333333333"
	addrD = "0x4444444444444444444444444444444444444444"
)

type fixture struct {
	d       *miniapp.Dispatcher
	session *miniapp.Session
	payer   *wallet.MockPayer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.Default()
	payer := wallet.NewMockPayer()
	d := miniapp.NewDispatcher(reg)
	d.Register(registry.AppPaymentSplitter, New(payer))
	cfg, ok := reg.Get(registry.AppPaymentSplitter)
	require.True(t, ok)
	s := miniapp.NewManager().Create(cfg, "event-room-7", addrA)
	return &fixture{d: d, session: s, payer: payer}
}

func (f *fixture) exec(t *testing.T, action, actor string, params any) (miniapp.Response, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return f.d.Execute(context.Background(), f.session, action, raw, actor)
}

func (f *fixture) createSplit(t *testing.T) string {
	t.Helper()
	resp, err := f.exec(t, ActionCreate, addrA, map[string]any{
		"amount":       90,
		"currency":     "usdc",
		"participants": []string{addrA, addrB, addrC},
		"description":  "dinner",
	})
	require.NoError(t, err)
	require.True(t, resp.OK(), resp.Errors)
	data := resp.Data.(map[string]any)
	return data["splitId"].(string)
}

func TestCreateSplitDividesEvenly(t *testing.T) {
	f := newFixture(t)
	resp, err := f.exec(t, ActionCreate, addrA, map[string]any{
		"amount":       90,
		"currency":     "USDC",
		"participants": []string{addrA, addrB, addrC},
	})
	require.NoError(t, err)
	require.True(t, resp.OK(), resp.Errors)

	data := resp.Data.(map[string]any)
	assert.NotEmpty(t, data["splitId"])
	assert.InDelta(t, 30.0, data["amountPerPerson"], 1e-9)
	assert.Equal(t, "USDC", data["currency"])
	assert.Equal(t, []string{addrA, addrB, addrC}, data["participants"])

	require.NotNil(t, resp.UI)
	var pending int
	for _, c := range resp.UI.Content {
		if c.Type == "participant" && c.Value == "pending" {
			pending++
		}
	}
	assert.Equal(t, 3, pending)
	require.Len(t, resp.UI.Actions, 1)
	assert.Equal(t, ActionPay, resp.UI.Actions[0].Action)
}

func TestCreateSplitValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		params map[string]any
	}{
		{"zero amount", map[string]any{"amount": 0, "currency": "USDC", "participants": []string{addrA}}},
		{"negative amount", map[string]any{"amount": -5, "currency": "USDC", "participants": []string{addrA}}},
		{"no participants", map[string]any{"amount": 10, "currency": "USDC", "participants": []string{}}},
		{"bad address", map[string]any{"amount": 10, "currency": "USDC", "participants": []string{"bob"}}},
		{"duplicate participant", map[string]any{"amount": 10, "currency": "USDC", "participants": []string{addrA, addrA}}},
		{"missing currency", map[string]any{"amount": 10, "participants": []string{addrA}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := f.exec(t, ActionCreate, addrA, tc.params)
			require.NoError(t, err)
			assert.False(t, resp.OK())
		})
	}

	splits, err := splitsState(f.session)
	require.NoError(t, err)
	assert.Empty(t, splits)
}

func TestCreateSplitReportsEveryProblem(t *testing.T) {
	f := newFixture(t)
	resp, err := f.exec(t, ActionCreate, addrA, map[string]any{"amount": -1})
	require.NoError(t, err)
	assert.Len(t, resp.Errors, 3)
}

func TestPaySplitRecordsReceipt(t *testing.T) {
	f := newFixture(t)
	id := f.createSplit(t)

	resp, err := f.exec(t, ActionPay, addrB, map[string]any{"splitId": id, "amount": 30})
	require.NoError(t, err)
	require.True(t, resp.OK(), resp.Errors)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "1/3 paid", data["progress"])
	assert.NotEmpty(t, data["txHash"])
	assert.Equal(t, false, data["complete"])

	splits, err := splitsState(f.session)
	require.NoError(t, err)
	rec, ok := splits[id].Payments[addrB]
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, data["txHash"], rec.TxHash)
	assert.InDelta(t, 30.0, rec.Amount, 1e-9)
}

func TestPaySplitRepeatOverwrites(t *testing.T) {
	f := newFixture(t)
	id := f.createSplit(t)

	first, err := f.exec(t, ActionPay, addrB, map[string]any{"splitId": id, "amount": 10})
	require.NoError(t, err)
	second, err := f.exec(t, ActionPay, addrB, map[string]any{"splitId": id, "amount": 30})
	require.NoError(t, err)

	assert.Equal(t, "1/3 paid", second.Data.(map[string]any)["progress"])
	assert.NotEqual(t, first.Data.(map[string]any)["txHash"], second.Data.(map[string]any)["txHash"])

	splits, _ := splitsState(f.session)
	assert.InDelta(t, 30.0, splits[id].Payments[addrB].Amount, 1e-9)
}

func TestSplitCompletesAndSettles(t *testing.T) {
	f := newFixture(t)
	id := f.createSplit(t)
	for _, who := range []string{addrA, addrB, addrC} {
		_, err := f.exec(t, ActionPay, who, map[string]any{"splitId": id, "amount": 30})
		require.NoError(t, err)
	}

	resp, err := f.exec(t, ActionStatus, addrD, map[string]any{"splitId": id})
	require.NoError(t, err)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "3/3 paid", data["progress"])
	assert.Equal(t, true, data["complete"])
	assert.Equal(t, true, data["settled"])
	assert.Empty(t, resp.UI.Actions)
}

func TestPaySplitFailures(t *testing.T) {
	f := newFixture(t)
	id := f.createSplit(t)

	_, err := f.exec(t, ActionPay, addrB, map[string]any{"splitId": "nope", "amount": 30})
	require.ErrorIs(t, err, ErrSplitNotFound)
	assert.ErrorIs(t, err, miniapp.ErrNotFound)

	resp, err := f.exec(t, ActionPay, addrD, map[string]any{"splitId": id, "amount": 30})
	require.NoError(t, err)
	assert.False(t, resp.OK(), "non-participants cannot pay")

	resp, err = f.exec(t, ActionPay, addrB, map[string]any{"splitId": id, "amount": 0})
	require.NoError(t, err)
	assert.False(t, resp.OK())

	f.payer.FailWith(wallet.ErrPaymentRejected)
	resp, err = f.exec(t, ActionPay, addrB, map[string]any{"splitId": id, "amount": 30})
	require.NoError(t, err)
	assert.False(t, resp.OK())

	boom := errors.New("rpc unreachable")
	f.payer.FailWith(boom)
	_, err = f.exec(t, ActionPay, addrB, map[string]any{"splitId": id, "amount": 30})
	assert.ErrorIs(t, err, boom)

	splits, _ := splitsState(f.session)
	assert.Empty(t, splits[id].Payments)
}

func TestOutsiderLookupsLeaveRoomForParticipants(t *testing.T) {
	f := newFixture(t)
	id := f.createSplit(t)

	// The splitter session holds 20 participants; the creator is one.
	for i := 0; i < 19; i++ {
		outsider := fmt.Sprintf("0x%040x", 0x100+i)
		_, err := f.exec(t, ActionStatus, outsider, map[string]any{"splitId": "nope"})
		require.ErrorIs(t, err, ErrSplitNotFound)
	}
	assert.Len(t, f.session.Participants(), 1)

	resp, err := f.exec(t, ActionPay, addrB, map[string]any{"splitId": id, "amount": 30})
	require.NoError(t, err)
	require.True(t, resp.OK(), resp.Errors)
	assert.Equal(t, "1/3 paid", resp.Data.(map[string]any)["progress"])
}

func TestSplitStatusUnknownID(t *testing.T) {
	f := newFixture(t)
	_, err := f.exec(t, ActionStatus, addrA, map[string]any{"splitId": "missing"})
	assert.ErrorIs(t, err, ErrSplitNotFound)
}

func TestMalformedStateIsAnError(t *testing.T) {
	f := newFixture(t)
	f.session.State[stateKey] = "garbage"
	_, err := f.exec(t, ActionStatus, addrA, map[string]any{"splitId": "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, miniapp.ErrNotFound)
}

func TestPerPersonTimesCountMatchesAmount(t *testing.T) {
	amounts := []float64{0.01, 1, 10, 33.33, 90, 100, 1e6, 123456789.12}
	for _, amount := range amounts {
		for n := 1; n <= 20; n++ {
			per := amount / float64(n)
			assert.True(t, AmountsEqual(per*float64(n), amount), "amount=%v n=%d", amount, n)
		}
	}
	assert.False(t, AmountsEqual(30, 30.01))
}
