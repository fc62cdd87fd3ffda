package integration

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/sourcing-go/adapters/sqlite"
	"github.com/codewandler/sourcing-go/core/bus"
	"github.com/codewandler/sourcing-go/core/es"
	"github.com/codewandler/sourcing-go/core/outbox"
	"github.com/codewandler/sourcing-go/core/saga"
)

// The tests in this package close the full loop: a unit of work commits
// aggregate events into the outbox, the relay publishes them onto the bus,
// the saga manager reacts and dispatches commands, and those commands commit
// further events through the same unit of work.

// === fixtures: order aggregate ==

type (
	OrderPlaced struct {
		Item     string `json:"item"`
		Quantity int    `json:"quantity"`
	}
	OrderConfirmed struct{}
	OrderCanceled  struct {
		Reason string `json:"reason"`
	}
)

type Order struct {
	es.BaseAggregate
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
	State    string `json:"state"`
}

func (o *Order) GetAggType() string { return "order" }

func (o *Order) Register(r es.Registrar) {
	es.RegisterEventFor[OrderPlaced](r)
	es.RegisterEventFor[OrderConfirmed](r)
	es.RegisterEventFor[OrderCanceled](r)
}

func (o *Order) Apply(evt any) error {
	switch e := evt.(type) {
	case *OrderPlaced:
		o.Item = e.Item
		o.Quantity = e.Quantity
		o.State = "placed"
		return nil
	case *OrderConfirmed:
		o.State = "confirmed"
		return nil
	case *OrderCanceled:
		o.State = "canceled"
		return nil
	}
	return o.BaseAggregate.Apply(evt)
}

func (o *Order) Place(item string, qty int) error {
	if err := o.Create(o.GetID()); err != nil {
		return err
	}
	return es.RaiseAndApply(o, &OrderPlaced{Item: item, Quantity: qty})
}

func (o *Order) Confirm() error {
	if o.State != "placed" {
		return fmt.Errorf("cannot confirm order in state %q", o.State)
	}
	return es.RaiseAndApply(o, &OrderConfirmed{})
}

func (o *Order) Cancel(reason string) error {
	if o.State == "canceled" {
		return nil
	}
	return es.RaiseAndApply(o, &OrderCanceled{Reason: reason})
}

// === fixtures: stock aggregate ==

type (
	StockRestocked struct {
		Quantity int `json:"quantity"`
	}
	StockReserved struct {
		OrderID  string `json:"order_id"`
		Quantity int    `json:"quantity"`
	}
	StockRejected struct {
		OrderID string `json:"order_id"`
		Reason  string `json:"reason"`
	}
	StockReleased struct {
		OrderID  string `json:"order_id"`
		Quantity int    `json:"quantity"`
	}
)

type StockItem struct {
	es.BaseAggregate
	Quantity int `json:"quantity"`
}

func (s *StockItem) GetAggType() string { return "stock" }

func (s *StockItem) Register(r es.Registrar) {
	es.RegisterEventFor[StockRestocked](r)
	es.RegisterEventFor[StockReserved](r)
	es.RegisterEventFor[StockRejected](r)
	es.RegisterEventFor[StockReleased](r)
}

func (s *StockItem) Apply(evt any) error {
	switch e := evt.(type) {
	case *StockRestocked:
		s.Quantity += e.Quantity
		return nil
	case *StockReserved:
		s.Quantity -= e.Quantity
		return nil
	case *StockRejected:
		return nil
	case *StockReleased:
		s.Quantity += e.Quantity
		return nil
	}
	return s.BaseAggregate.Apply(evt)
}

func (s *StockItem) Restock(qty int) error {
	return es.RaiseAndApply(s, &StockRestocked{Quantity: qty})
}

// Reserve holds qty for an order. Insufficient stock is an outcome event,
// not an error, so the saga can react to it.
func (s *StockItem) Reserve(orderID string, qty int) error {
	if qty > s.Quantity {
		return es.RaiseAndApply(s, &StockRejected{
			OrderID: orderID,
			Reason:  fmt.Sprintf("%d requested, %d available", qty, s.Quantity),
		})
	}
	return es.RaiseAndApply(s, &StockReserved{OrderID: orderID, Quantity: qty})
}

func (s *StockItem) Release(orderID string, qty int) error {
	return es.RaiseAndApply(s, &StockReleased{OrderID: orderID, Quantity: qty})
}

// === fixtures: commands ==

type (
	ReserveStock struct {
		OrderID  string `json:"order_id"`
		Item     string `json:"item"`
		Quantity int    `json:"quantity"`
	}
	ConfirmOrder struct {
		OrderID string `json:"order_id"`
	}
	CancelOrder struct {
		OrderID string `json:"order_id"`
		Reason  string `json:"reason"`
	}
	ReleaseStock struct {
		OrderID  string `json:"order_id"`
		Item     string `json:"item"`
		Quantity int    `json:"quantity"`
	}
)

// === fixtures: fulfillment saga ==

type fulfillmentData struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

type fulfillmentSaga struct{}

func (fulfillmentSaga) Type() string          { return "fulfillment" }
func (fulfillmentSaga) SubscribeTo() []string { return []string{"order.>", "stock.>"} }

func (fulfillmentSaga) Correlate(ev bus.Event) (string, bool) {
	switch p := ev.Payload.(type) {
	case *OrderPlaced:
		return ev.AggregateID, true
	case *StockReserved:
		return p.OrderID, true
	case *StockRejected:
		return p.OrderID, true
	}
	return "", false
}

func (fulfillmentSaga) Handle(_ context.Context, ins *saga.Instance, ev bus.Event) error {
	switch p := ev.Payload.(type) {
	case *OrderPlaced:
		if err := ins.SetData(fulfillmentData{Item: p.Item, Quantity: p.Quantity}); err != nil {
			return err
		}
		cancel, err := saga.NewCommand(CancelOrder{OrderID: ev.AggregateID, Reason: "fulfillment failed"})
		if err != nil {
			return err
		}
		ins.CompleteStep("place_order", &cancel)
		if err := ins.EnqueueCommand(ReserveStock{OrderID: ev.AggregateID, Item: p.Item, Quantity: p.Quantity}); err != nil {
			return err
		}
		return ins.Transition(saga.StatusWaiting)

	case *StockReserved:
		var d fulfillmentData
		if err := ins.GetData(&d); err != nil {
			return err
		}
		release, err := saga.NewCommand(ReleaseStock{OrderID: p.OrderID, Item: d.Item, Quantity: d.Quantity})
		if err != nil {
			return err
		}
		ins.CompleteStep("reserve_stock", &release)
		if err := ins.EnqueueCommand(ConfirmOrder{OrderID: p.OrderID}); err != nil {
			return err
		}
		return ins.Complete()

	case *StockRejected:
		return ins.MarkFailed("stock rejected: " + p.Reason)
	}
	return nil
}

// === loop wiring ==

type backend struct {
	name        string
	store       es.EventStore
	snapshotter es.Snapshotter
	queue       outbox.Queue
	sagas       saga.Store
}

func backends(t *testing.T) []backend {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "loop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return []backend{
		{
			name:        "memory",
			store:       es.NewInMemoryStore(),
			snapshotter: es.NewInMemorySnapshotter(),
			queue:       outbox.NewInMemoryQueue(),
			sagas:       saga.NewInMemoryStore(),
		},
		{
			name:        "sqlite",
			store:       sqlite.NewEventStore(db),
			snapshotter: sqlite.NewSnapshotter(db),
			queue:       sqlite.NewQueue(db),
			sagas:       sqlite.NewSagaStore(db),
		},
	}
}

type loop struct {
	env      *es.Env
	bus      *bus.Bus
	commands *bus.CommandBus
	queue    outbox.Queue
	uow      *outbox.UnitOfWork
	relay    *outbox.Relay
	manager  *saga.Manager
	sagas    saga.Store
	orders   es.TypedRepository[*Order]
	stock    es.TypedRepository[*StockItem]
}

func newLoop(t *testing.T, be backend) *loop {
	t.Helper()
	log := slog.Default()

	env, err := es.NewEnv(
		es.WithCtx(t.Context()),
		es.WithLog(log),
		es.WithStore(be.store),
		es.WithSnapshotter(be.snapshotter),
		es.WithAggregates(&Order{}, &StockItem{}),
	)
	require.NoError(t, err)
	t.Cleanup(env.Shutdown)

	b := bus.New(bus.WithLog(log))
	t.Cleanup(b.Close)
	commands := bus.NewCommandBus(bus.WithLog(log))

	l := &loop{
		env:      env,
		bus:      b,
		commands: commands,
		queue:    be.queue,
		uow:      outbox.NewUnitOfWork(env.Repository(), be.queue, outbox.WithLog(log)),
		manager:  saga.NewManager(be.sagas, b, commands, saga.WithLog(log)),
		sagas:    be.sagas,
		orders:   es.NewTypedRepositoryFrom[*Order](log, env.Repository()),
		stock:    es.NewTypedRepositoryFrom[*StockItem](log, env.Repository()),
	}
	t.Cleanup(l.manager.Close)
	require.NoError(t, l.manager.Register(fulfillmentSaga{}))

	require.NoError(t, bus.RegisterCommand(commands, func(ctx context.Context, cmd *ReserveStock) (any, error) {
		item, err := l.stock.GetByID(ctx, cmd.Item)
		if err != nil {
			return nil, err
		}
		if err := item.Reserve(cmd.OrderID, cmd.Quantity); err != nil {
			return nil, err
		}
		return nil, l.uow.Commit(ctx, item)
	}))
	require.NoError(t, bus.RegisterCommand(commands, func(ctx context.Context, cmd *ConfirmOrder) (any, error) {
		o, err := l.orders.GetByID(ctx, cmd.OrderID)
		if err != nil {
			return nil, err
		}
		if err := o.Confirm(); err != nil {
			return nil, err
		}
		return nil, l.uow.Commit(ctx, o)
	}))
	require.NoError(t, bus.RegisterCommand(commands, func(ctx context.Context, cmd *CancelOrder) (any, error) {
		o, err := l.orders.GetByID(ctx, cmd.OrderID)
		if err != nil {
			return nil, err
		}
		if err := o.Cancel(cmd.Reason); err != nil {
			return nil, err
		}
		return nil, l.uow.Commit(ctx, o)
	}))
	require.NoError(t, bus.RegisterCommand(commands, func(ctx context.Context, cmd *ReleaseStock) (any, error) {
		item, err := l.stock.GetByID(ctx, cmd.Item)
		if err != nil {
			return nil, err
		}
		if err := item.Release(cmd.OrderID, cmd.Quantity); err != nil {
			return nil, err
		}
		return nil, l.uow.Commit(ctx, item)
	}))

	l.relay = outbox.NewRelay(be.queue, env.Registry(), b, commands,
		outbox.WithLog(log),
		outbox.WithName("loop"),
		outbox.WithPollInterval(20*time.Millisecond),
	)
	return l
}

func (l *loop) startRelay(t *testing.T) {
	t.Helper()
	require.NoError(t, l.relay.Start(t.Context()))
	t.Cleanup(l.relay.Stop)
}

func (l *loop) seedStock(t *testing.T, item string, qty int) {
	t.Helper()
	s := l.stock.NewWithID(item)
	require.NoError(t, s.Create(item))
	require.NoError(t, s.Restock(qty))
	require.NoError(t, l.uow.Commit(t.Context(), s))
}

func (l *loop) placeOrder(t *testing.T, orderID, item string, qty int) {
	t.Helper()
	o := l.orders.NewWithID(orderID)
	require.NoError(t, o.Place(item, qty))
	require.NoError(t, l.uow.Commit(t.Context(), o))
}

func waitTerminal(t *testing.T, store saga.Store, sagaType, id string) *saga.Instance {
	t.Helper()
	var ins *saga.Instance
	require.Eventually(t, func() bool {
		got, err := store.Load(t.Context(), sagaType, id)
		if err != nil || !got.Status.Terminal() {
			return false
		}
		ins = got
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return ins
}

func (l *loop) waitOrderState(t *testing.T, orderID, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		o, err := l.orders.GetByID(t.Context(), orderID)
		return err == nil && o.State == state
	}, 5*time.Second, 10*time.Millisecond)
}

// === tests ==

func TestLoop(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	for _, be := range backends(t) {
		t.Run(be.name, func(t *testing.T) {
			l := newLoop(t, be)
			l.startRelay(t)

			t.Run("order fulfilled", func(t *testing.T) {
				ctx := t.Context()
				l.seedStock(t, "sku-1", 10)
				l.placeOrder(t, "order-1", "sku-1", 3)

				ins := waitTerminal(t, l.sagas, "fulfillment", "order-1")
				assert.Equal(t, saga.StatusCompleted, ins.Status)
				require.Len(t, ins.Steps, 2)
				assert.Equal(t, "place_order", ins.Steps[0].Name)
				assert.Equal(t, "reserve_stock", ins.Steps[1].Name)

				l.waitOrderState(t, "order-1", "confirmed")

				s, err := l.stock.GetByID(ctx, "sku-1")
				require.NoError(t, err)
				assert.Equal(t, 7, s.Quantity)
			})

			t.Run("order rejected, saga compensates", func(t *testing.T) {
				ctx := t.Context()
				l.seedStock(t, "sku-2", 1)
				l.placeOrder(t, "order-2", "sku-2", 5)

				ins := waitTerminal(t, l.sagas, "fulfillment", "order-2")
				assert.Equal(t, saga.StatusCompensated, ins.Status)
				assert.Contains(t, ins.Reason, "stock rejected")

				// the placed order was compensated away
				require.Len(t, ins.Steps, 1)
				assert.Equal(t, "place_order", ins.Steps[0].Name)
				assert.NotNil(t, ins.Steps[0].CompensatedAt)

				l.waitOrderState(t, "order-2", "canceled")

				// nothing was reserved
				s, err := l.stock.GetByID(ctx, "sku-2")
				require.NoError(t, err)
				assert.Equal(t, 1, s.Quantity)
			})

			t.Run("saga survives duplicate delivery", func(t *testing.T) {
				l.seedStock(t, "sku-3", 4)
				l.placeOrder(t, "order-3", "sku-3", 4)

				ins := waitTerminal(t, l.sagas, "fulfillment", "order-3")
				assert.Equal(t, saga.StatusCompleted, ins.Status)

				// replaying the whole store must not advance terminal sagas
				// or double-apply commands
				envs, err := l.env.Store().ReadAll(t.Context(), 0, 0)
				require.NoError(t, err)
				events := make([]bus.Event, 0, len(envs))
				for _, env := range envs {
					payload, err := l.env.Registry().Decode(env)
					require.NoError(t, err)
					events = append(events, bus.NewEvent(env, payload))
				}
				require.NoError(t, l.bus.PublishBatch(t.Context(), events))

				s, err := l.stock.GetByID(t.Context(), "sku-3")
				require.NoError(t, err)
				assert.Equal(t, 0, s.Quantity)
			})
		})
	}
}

// TestLoop_OutboxParksEvents shows the durable hand-off: events committed
// while no relay is running stay in the outbox and reach the saga once one
// starts.
func TestLoop_OutboxParksEvents(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "parked.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	be := backend{
		name:        "sqlite",
		store:       sqlite.NewEventStore(db),
		snapshotter: sqlite.NewSnapshotter(db),
		queue:       sqlite.NewQueue(db),
		sagas:       sqlite.NewSagaStore(db),
	}
	l := newLoop(t, be)

	ctx := t.Context()
	l.seedStock(t, "sku-1", 10)
	l.placeOrder(t, "order-1", "sku-1", 2)

	// committed but not relayed: rows parked, no saga started
	rows, err := l.queue.Unprocessed(ctx, outbox.KindEvents, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
	_, err = l.sagas.Load(ctx, "fulfillment", "order-1")
	require.ErrorIs(t, err, saga.ErrSagaNotFound)

	l.startRelay(t)

	ins := waitTerminal(t, l.sagas, "fulfillment", "order-1")
	assert.Equal(t, saga.StatusCompleted, ins.Status)
	l.waitOrderState(t, "order-1", "confirmed")

	// the backlog drained
	require.Eventually(t, func() bool {
		rows, err := l.queue.Unprocessed(ctx, outbox.KindEvents, 0)
		return err == nil && len(rows) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
