package domain

import (
	"encoding/json"
	"fmt"

	"github.com/codewandler/sourcing-go/core/ds"
	"github.com/codewandler/sourcing-go/core/es"
	"github.com/codewandler/sourcing-go/core/es/assert"
)

type (
	InventoryItem struct {
		es.BaseAggregate

		OnHand         int                  `json:"on_hand"`
		Reserved       int                  `json:"reserved"`
		Reservations   *ds.Map[Reservation] `json:"reservations"`
		Bins           *ds.StringSet        `json:"bins"`
		NumReceipts    int                  `json:"num_receipts"`
		NumRecounts    int                  `json:"num_recounts"`
		NumTotalEvents int                  `json:"num_total_events"`
	}

	// Reservation is the open quantity a single order holds.
	Reservation struct {
		OrderID string `json:"order_id"`
		Qty     int    `json:"qty"`
	}

	StockReceived struct {
		Qty int `json:"qty"`
	}

	StockReserved struct {
		OrderID string `json:"order_id"`
		Qty     int    `json:"qty"`
	}

	ReservationReleased struct {
		OrderID string `json:"order_id"`
		Qty     int    `json:"qty"`
	}

	StockRecounted struct {
		Counted int `json:"counted"`
	}

	BinAssigned struct {
		Bin string `json:"bin"`
	}

	BinCleared struct {
		Bin string `json:"bin"`
	}
)

func (Reservation) Create(id string) *Reservation { return &Reservation{OrderID: id} }

func (a *InventoryItem) Snapshot() (data []byte, err error) { return json.Marshal(a) }
func (a *InventoryItem) RestoreSnapshot(data []byte) error  { return json.Unmarshal(data, a) }
func (a *InventoryItem) GetAggType() string                 { return "inventory_item" }
func (a *InventoryItem) Register(r es.Registrar) {
	es.RegisterEvents(r,
		es.Event[StockReceived](),
		es.Event[StockReserved](),
		es.Event[ReservationReleased](),
		es.Event[StockRecounted](),
		es.Event[BinAssigned](),
		es.Event[BinCleared](),
	)
}

func (a *InventoryItem) Apply(event any) error {
	switch e := event.(type) {
	case *StockReceived:
		a.NumTotalEvents++
		a.OnHand += e.Qty
		a.NumReceipts++
		return nil
	case *StockReserved:
		a.NumTotalEvents++
		a.Reserved += e.Qty
		a.reservations().Ensure(e.OrderID).Qty += e.Qty
		return nil
	case *ReservationReleased:
		a.NumTotalEvents++
		a.Reserved -= e.Qty
		r := a.reservations().Ensure(e.OrderID)
		r.Qty -= e.Qty
		if r.Qty <= 0 {
			a.reservations().Remove(e.OrderID)
		}
		return nil
	case *StockRecounted:
		a.NumTotalEvents++
		a.OnHand = e.Counted
		a.NumRecounts++
		return nil
	case *BinAssigned:
		a.NumTotalEvents++
		a.bins().Add(e.Bin)
		return nil
	case *BinCleared:
		a.NumTotalEvents++
		a.bins().Remove(e.Bin)
		return nil
	}
	return fmt.Errorf("unknown event: %T", event)
}

var _ es.Snapshottable = &InventoryItem{}

// === Commands ===

func (a *InventoryItem) Receive(qty int) error {
	if err := assert.Assert(assert.Positive(qty, "received quantity"))(); err != nil {
		return err
	}
	return es.RaiseAndApply(a, &StockReceived{Qty: qty})
}

func (a *InventoryItem) Reserve(orderID string, qty int) error {
	if err := assert.Assert(
		assert.NotEmpty(orderID, "order id"),
		assert.Positive(qty, "reserved quantity"),
		assert.AtMost(qty, a.Available(), "reserved quantity"),
	)(); err != nil {
		return err
	}
	return es.RaiseAndApply(a, &StockReserved{OrderID: orderID, Qty: qty})
}

// Release hands back stock held by a single order, never more than that
// order still holds.
func (a *InventoryItem) Release(orderID string, qty int) error {
	if err := assert.Assert(
		assert.NotEmpty(orderID, "order id"),
		assert.Positive(qty, "released quantity"),
		assert.AtMost(qty, a.OpenFor(orderID), "released quantity"),
	)(); err != nil {
		return err
	}
	return es.RaiseAndApply(a, &ReservationReleased{OrderID: orderID, Qty: qty})
}

func (a *InventoryItem) Recount(counted int) error {
	if err := assert.Assert(assert.AtLeast(counted, 0, "counted stock"))(); err != nil {
		return err
	}
	return es.RaiseAndApply(a, &StockRecounted{Counted: counted})
}

func (a *InventoryItem) AssignBin(bin string) error {
	if err := assert.Assert(assert.NotEmpty(bin, "bin code"))(); err != nil {
		return err
	}
	if a.bins().Contains(bin) {
		return fmt.Errorf("bin %s already assigned", bin)
	}
	return es.RaiseAndApply(a, &BinAssigned{Bin: bin})
}

func (a *InventoryItem) ClearBin(bin string) error {
	if !a.bins().Contains(bin) {
		return fmt.Errorf("bin %s not assigned", bin)
	}
	return es.RaiseAndApply(a, &BinCleared{Bin: bin})
}

// === Read ===

// Available is the stock left for new reservations.
func (a *InventoryItem) Available() int {
	return a.OnHand - a.Reserved
}

// OpenFor is the quantity the given order currently holds.
func (a *InventoryItem) OpenFor(orderID string) int {
	if r, ok := a.reservations().Get(orderID); ok {
		return r.Qty
	}
	return 0
}

// OpenOrders lists the ids of orders holding a reservation.
func (a *InventoryItem) OpenOrders() []string {
	return a.reservations().Keys()
}

func (a *InventoryItem) BinCodes() []string {
	return a.bins().Values()
}

// bins and reservations lazily initialize; loads construct the aggregate
// reflectively.
func (a *InventoryItem) bins() *ds.StringSet {
	if a.Bins == nil {
		a.Bins = ds.NewStringSet()
	}
	return a.Bins
}

func (a *InventoryItem) reservations() *ds.Map[Reservation] {
	if a.Reservations == nil {
		a.Reservations = ds.NewMap[Reservation]()
	}
	return a.Reservations
}

func NewInventoryItem(id string) *InventoryItem {
	a := &InventoryItem{}
	a.SetID(id)
	return a
}
