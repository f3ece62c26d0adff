package models

import "time"

// Inventory — остаток по (компания, SKU, локация[, ячейка]).
// Инвариант: ReservedQty <= Quantity.
type Inventory struct {
	ID         uint64
	CompanyID  uint64
	SkuID      uint64
	LocationID uint64
	BinID      *uint64

	Quantity    int32
	ReservedQty int32

	// Порядок FIFO при резервировании: меньший номер резервируется первым.
	FifoSequence int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i *Inventory) Available() int32 {
	if i.Quantity <= i.ReservedQty {
		return 0
	}
	return i.Quantity - i.ReservedQty
}
