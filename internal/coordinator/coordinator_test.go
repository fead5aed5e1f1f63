package coordinator_test

import (
	"context"
	"testing"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/config"
	"fenrir/internal/coordinator"
	"fenrir/internal/pool"
	"fenrir/internal/priceengine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"
)

type constRNG struct{}

func (constRNG) Uniform01() float64 { return 0.5 }

func rngFactory(itemID string) priceengine.RNG { return constRNG{} }

func newHarness(t *testing.T, items ...string) (*coordinator.Coordinator, *tomb.Tomb) {
	t.Helper()
	cfg := config.New(config.WithTickInterval(10 * time.Millisecond))
	p := pool.New(cfg, rngFactory)
	ctx := context.Background()
	for _, it := range items {
		require.NoError(t, p.Spawn(ctx, it, 100))
	}

	c := coordinator.New(cfg, p, func() []string { return items })
	tb := &tomb.Tomb{}
	tb.Go(func() error { return c.Run(tb) })

	t.Cleanup(func() {
		tb.Kill(nil)
		_ = tb.Wait()
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Stop(stopCtx)
	})
	return c, tb
}

func TestProcessOrderSubmitsThroughPool(t *testing.T) {
	c, _ := newHarness(t, "BTC")

	order := &common.Order{
		ID: "alice-1", PlayerID: "alice", ItemID: "BTC",
		Side: common.Buy, Kind: common.Limit, Price: 100, Quantity: 1, TotalQuantity: 1,
		Timestamp: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.ProcessOrder(ctx, order)
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestSubscribeReceivesInitThenPriceUpdates(t *testing.T) {
	c, _ := newHarness(t, "BTC")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	updates, unsubscribe := c.Subscribe(ctx)
	defer unsubscribe()

	select {
	case u := <-updates:
		assert.Equal(t, coordinator.UpdateInit, u.Type)
		assert.Equal(t, "BTC", u.ItemID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the init update")
	}

	select {
	case u := <-updates:
		assert.Equal(t, coordinator.UpdatePrice, u.Type)
		assert.Equal(t, "BTC", u.ItemID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a price update")
	}
}

func TestSubscribeReceivesTradeUpdateWhenTickMatches(t *testing.T) {
	c, _ := newHarness(t, "BTC")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	buy := &common.Order{
		ID: "alice-1", PlayerID: "alice", ItemID: "BTC",
		Side: common.Buy, Kind: common.Limit, Price: 100, Quantity: 1, TotalQuantity: 1,
		Timestamp: time.Now(),
	}
	sell := &common.Order{
		ID: "bob-1", PlayerID: "bob", ItemID: "BTC",
		Side: common.Sell, Kind: common.Limit, Price: 90, Quantity: 1, TotalQuantity: 1,
		Timestamp: time.Now().Add(time.Millisecond),
	}
	_, err := c.ProcessOrder(ctx, buy)
	require.NoError(t, err)
	_, err = c.ProcessOrder(ctx, sell)
	require.NoError(t, err)

	updates, unsubscribe := c.Subscribe(ctx)
	defer unsubscribe()

	require.Eventually(t, func() bool {
		select {
		case u := <-updates:
			return u.Type == coordinator.UpdateTrade && len(u.Trades) > 0
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "never received a trade-typed update")
}

func TestStatsReflectActiveWorkers(t *testing.T) {
	c, _ := newHarness(t, "BTC", "ETH")

	require.Eventually(t, func() bool {
		return !c.Stats().LastTick.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, 2, stats.ActiveWorkers)
}
