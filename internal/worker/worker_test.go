package worker_test

import (
	"context"
	"testing"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/config"
	"fenrir/internal/errs"
	"fenrir/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tomb "gopkg.in/tomb.v2"
)

type zeroRNG struct{}

func (zeroRNG) Uniform01() float64 { return 0.5 }

func startWorker(t *testing.T, itemID string, initialPrice float64) (*worker.Worker, *tomb.Tomb) {
	t.Helper()
	cfg := config.Default()
	w := worker.New(itemID, cfg, zeroRNG{})
	tb := &tomb.Tomb{}
	tb.Go(func() error { return w.Run(tb) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := w.Send(ctx, worker.Initialize{ItemID: itemID, InitialPrice: initialPrice})
	require.NoError(t, err)

	return w, tb
}

func submit(t *testing.T, w *worker.Worker, order *common.Order) worker.OrderSubmitted {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := w.Send(ctx, worker.Submit{Order: order})
	require.NoError(t, err)
	return resp.(worker.OrderSubmitted)
}

func TestSubmitReservesBalanceOnBuy(t *testing.T) {
	w, tb := startWorker(t, "BTC", 50000)
	defer tb.Kill(nil)

	order := &common.Order{
		ID: "alice-1", PlayerID: "alice", ItemID: "BTC",
		Side: common.Buy, Kind: common.Limit, Price: 100, Quantity: 5, TotalQuantity: 5,
		Timestamp: time.Now(),
	}
	submit(t, w, order)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	acct, err := w.Send(ctx, worker.GetAccount{PlayerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 100000.0-100*5, acct.(worker.AccountSnapshot).Balance)

	resp, err := w.Send(ctx, worker.Cancel{OrderID: "alice-1"})
	require.NoError(t, err)
	assert.Equal(t, worker.OrderCancelled{OrderID: "alice-1"}, resp)
}

func TestCancelUnknownOrderFails(t *testing.T) {
	w, tb := startWorker(t, "BTC", 50000)
	defer tb.Kill(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := w.Send(ctx, worker.Cancel{OrderID: "nope"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.UnknownOrder))
}

func TestSellWithoutInventoryRejectedOnSubmit(t *testing.T) {
	w, tb := startWorker(t, "BTC", 50000)
	defer tb.Kill(nil)

	buy := &common.Order{
		ID: "alice-1", PlayerID: "alice", ItemID: "BTC",
		Side: common.Buy, Kind: common.Limit, Price: 50000, Quantity: 1, TotalQuantity: 1,
		Timestamp: time.Now(),
	}
	submit(t, w, buy)

	// Bob holds no inventory, so his sell must fail at submission time
	// even though a crossing bid is resting.
	sell := &common.Order{
		ID: "bob-1", PlayerID: "bob", ItemID: "BTC",
		Side: common.Sell, Kind: common.Limit, Price: 49900, Quantity: 1, TotalQuantity: 1,
		Timestamp: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := w.Send(ctx, worker.Submit{Order: sell})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InsufficientInventory))
}

func TestSellerWithInventoryCanSubmitAndTickSettles(t *testing.T) {
	w, tb := startWorker(t, "BTC", 50000)
	defer tb.Kill(nil)

	// Bootstrap bob's inventory: he buys first (spends cash, gains
	// inventory once the trade settles on Tick), then re-sells.
	bobBuy := &common.Order{
		ID: "bob-buy", PlayerID: "bob", ItemID: "BTC",
		Side: common.Buy, Kind: common.Limit, Price: 50000, Quantity: 2, TotalQuantity: 2,
		Timestamp: time.Now(),
	}
	aliceSell := &common.Order{
		ID: "alice-sell", PlayerID: "alice", ItemID: "BTC",
		Side: common.Sell, Kind: common.Limit, Price: 49000, Quantity: 2, TotalQuantity: 2,
		Timestamp: time.Now().Add(time.Millisecond),
	}
	submit(t, w, bobBuy)
	submit(t, w, aliceSell)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := w.Send(ctx, worker.Tick{})
	require.NoError(t, err)
	tickResp := resp.(worker.TickCompleted)
	require.Len(t, tickResp.Trades, 1)
	assert.Equal(t, float64(2), tickResp.Trades[0].Quantity)

	// Bob now has 2 BTC; he should be able to sell 1 without being
	// rejected for insufficient inventory.
	bobSell := &common.Order{
		ID: "bob-sell", PlayerID: "bob", ItemID: "BTC",
		Side: common.Sell, Kind: common.Limit, Price: 10, Quantity: 1, TotalQuantity: 1,
		Timestamp: time.Now(),
	}
	_, err = w.Send(ctx, worker.Submit{Order: bobSell})
	require.NoError(t, err)
}

func TestForceCrashFailsInFlightCallAndKillsTomb(t *testing.T) {
	w, tb := startWorker(t, "BTC", 50000)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := w.Send(ctx, worker.ForceCrash{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.WorkerUnavailable))

	require.Error(t, tb.Wait())
	assert.Equal(t, worker.Crashed, w.State())
	assert.Equal(t, 1, w.CrashCount())
}

func TestCallAfterShutdownFailsWithWorkerUnavailable(t *testing.T) {
	w, tb := startWorker(t, "BTC", 50000)

	order := &common.Order{
		ID: "a", PlayerID: "alice", ItemID: "BTC",
		Side: common.Buy, Kind: common.Limit, Price: 10, Quantity: 1, TotalQuantity: 1,
		Timestamp: time.Now(),
	}
	submit(t, w, order)

	tb.Kill(nil)
	require.NoError(t, tb.Wait())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := w.Send(ctx, worker.Cancel{OrderID: "a"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.WorkerUnavailable))
	assert.Equal(t, worker.Stopped, w.State())
}
