package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopline/loyalty-engine/loyalty"
)

// maturation wires a sweep engine over the fixture's store with the
// clock pinned to at.
func (f *fixture) maturation(at time.Time) *loyalty.MaturationEngine {
	return &loyalty.MaturationEngine{
		UoW:           f.mem,
		LedgerEnabled: true,
		Clock:         loyalty.FixedClock{At: at},
	}
}

func TestMaturation_CreditsDueLots(t *testing.T) {
	// GIVEN: earnDelayDays = 7 and a committed earn of 300
	// WHEN: the sweep runs 8 days later
	// THEN: the wallet gains 300, the lot turns ACTIVE and an EARN
	//       transaction lands on the order; a second run is a no-op
	f := newFixture(t)
	f.seedSettings(func(s *loyalty.MerchantSettings) { s.EarnDelayDays = 7 })
	f.fundWallet(t, 0)
	ctx := context.Background()

	quote := f.earnQuote(t, "order-1", 10000)
	f.commitHold(t, quote.HoldID, "order-1")
	require.Zero(t, f.balance(t))

	sweep := f.maturation(testNow.AddDate(0, 0, 8))
	activated, err := sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, activated)
	assert.Equal(t, int64(300), f.balance(t))

	active, err := f.mem.EarnLots().ListActive(ctx, testMerchant, testCustomer)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(300), active[0].Points)

	earns, err := f.mem.Transactions().ListByOrder(ctx, testMerchant, "order-1", loyalty.TxnEarn)
	require.NoError(t, err)
	require.Len(t, earns, 1)
	assert.Equal(t, int64(300), earns[0].Amount)

	var matured bool
	for _, evt := range f.mem.OutboxEvents() {
		if evt.EventType == loyalty.EventLotMatured {
			matured = true
		}
	}
	assert.True(t, matured)

	again, err := sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
	assert.Equal(t, int64(300), f.balance(t))
}

func TestMaturation_NotYetDueUntouched(t *testing.T) {
	// GIVEN: a lot maturing in 7 days
	// WHEN: the sweep runs after only 1 day
	// THEN: nothing activates
	f := newFixture(t)
	f.seedSettings(func(s *loyalty.MerchantSettings) { s.EarnDelayDays = 7 })
	f.fundWallet(t, 0)

	quote := f.earnQuote(t, "order-1", 10000)
	f.commitHold(t, quote.HoldID, "order-1")

	activated, err := f.maturation(testNow.AddDate(0, 0, 1)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, activated)
	assert.Zero(t, f.balance(t))
}

func TestMaturation_RefundedScheduledEarnYieldsNothing(t *testing.T) {
	// GIVEN: a delayed earn refunded before it matured
	// WHEN: the sweep runs past the maturation date
	// THEN: the neutralized lot grants no points
	f := newFixture(t)
	f.seedSettings(func(s *loyalty.MerchantSettings) { s.EarnDelayDays = 7 })
	f.fundWallet(t, 0)
	ctx := context.Background()

	quote := f.earnQuote(t, "order-1", 10000)
	f.commitHold(t, quote.HoldID, "order-1")

	_, err := f.refund.Refund(ctx, loyalty.RefundRequest{MerchantID: testMerchant, OrderID: "order-1"})
	require.NoError(t, err)

	activated, err := f.maturation(testNow.AddDate(0, 0, 8)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, activated)
	assert.Zero(t, f.balance(t))
}
