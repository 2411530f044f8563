package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MachineType distinguishes washers from dryers for order counters.
type MachineType string

const (
	MachineTypeWasher MachineType = "WASHER"
	MachineTypeDryer  MachineType = "DRYER"
)

// MachineStatus is the operational status reported by the machine catalog.
type MachineStatus string

const (
	MachineStatusPendingSetup MachineStatus = "PENDING_SETUP"
	MachineStatusIdle         MachineStatus = "IDLE"
	MachineStatusStarting     MachineStatus = "STARTING"
	MachineStatusBusy         MachineStatus = "BUSY"
	MachineStatusOutOfService MachineStatus = "OUT_OF_SERVICE"
)

// Machine is a catalog entry. It is owned by the catalog, not by orders.
type Machine struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	StoreID   uuid.UUID       `db:"store_id" json:"store_id"`
	Name      string          `db:"name" json:"name"`
	Type      MachineType     `db:"machine_type" json:"machine_type"`
	BasePrice decimal.Decimal `db:"base_price" json:"base_price"`
	Status    MachineStatus   `db:"status" json:"status"`
}

// StoreStatus of a laundry store.
type StoreStatus string

const (
	StoreStatusActive   StoreStatus = "ACTIVE"
	StoreStatusInactive StoreStatus = "INACTIVE"
)

// Store is a laundry location belonging to a tenant.
type Store struct {
	ID       uuid.UUID   `db:"id" json:"id"`
	TenantID uuid.UUID   `db:"tenant_id" json:"tenant_id"`
	Name     string      `db:"name" json:"name"`
	Status   StoreStatus `db:"status" json:"status"`
}

// AddOnType enumerates the paid extras a booking can carry.
type AddOnType string

const (
	AddOnHotWater             AddOnType = "HOT_WATER"
	AddOnColdWater            AddOnType = "COLD_WATER"
	AddOnDetergent            AddOnType = "DETERGENT"
	AddOnSoftener             AddOnType = "SOFTENER"
	AddOnDryingDurationMinute AddOnType = "DRYING_DURATION_MINUTE"
)

func (t AddOnType) Valid() bool {
	switch t {
	case AddOnHotWater, AddOnColdWater, AddOnDetergent, AddOnSoftener, AddOnDryingDurationMinute:
		return true
	}
	return false
}

// AddOn is one extra attached to a machine booking.
type AddOn struct {
	Type      AddOnType       `json:"type"`
	Price     decimal.Decimal `json:"price"`
	IsDefault bool            `json:"is_default"`
	Quantity  int             `json:"quantity"`
}

// Validate checks the add-on shape.
func (a AddOn) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown add-on type %q", ErrValidation, a.Type)
	}
	if a.Price.IsNegative() {
		return fmt.Errorf("%w: add-on %s has negative price", ErrValidation, a.Type)
	}
	if a.Quantity < 0 {
		return fmt.Errorf("%w: add-on %s has negative quantity", ErrValidation, a.Type)
	}
	return nil
}

// Total is price x quantity.
func (a AddOn) Total() decimal.Decimal {
	return a.Price.Mul(decimal.NewFromInt(int64(a.Quantity)))
}

// AddOns is stored as a JSON array.
type AddOns []AddOn

func (a AddOns) Validate() error {
	for _, addOn := range a {
		if err := addOn.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Total sums every add-on line.
func (a AddOns) Total() decimal.Decimal {
	total := decimal.Zero
	for _, addOn := range a {
		total = total.Add(addOn.Total())
	}
	return total
}

func (a AddOns) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

func (a *AddOns) Scan(src interface{}) error {
	return scanJSON(src, a)
}

// Order is a customer's booking of one or more machines.
type Order struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	StoreID      uuid.UUID       `db:"store_id" json:"store_id"`
	Status       OrderStatus     `db:"status" json:"status"`
	StatusReason string          `db:"status_reason" json:"status_reason,omitempty"`
	TotalAmount  decimal.Decimal `db:"total_amount" json:"total_amount"`
	TotalWasher  int             `db:"total_washer" json:"total_washer"`
	TotalDryer   int             `db:"total_dryer" json:"total_dryer"`
	Revision     int64           `db:"revision" json:"revision"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`

	Details []OrderDetail `db:"-" json:"details"`
}

// TransitionTo moves the order along one edge of the order state machine.
func (o *Order) TransitionTo(target OrderStatus, reason string) error {
	if !o.Status.CanTransitionTo(target) {
		return invalidTransition("order", string(o.Status), string(target))
	}
	o.Status = target
	o.StatusReason = reason
	return nil
}

// RecomputeTotals derives amount and machine counters from the non-cancelled details.
func (o *Order) RecomputeTotals() {
	total := decimal.Zero
	washers, dryers := 0, 0
	for _, d := range o.Details {
		if d.Status == OrderDetailStatusCancelled {
			continue
		}
		total = total.Add(d.Price)
		switch d.MachineType {
		case MachineTypeWasher:
			washers++
		case MachineTypeDryer:
			dryers++
		}
	}
	o.TotalAmount = total
	o.TotalWasher = washers
	o.TotalDryer = dryers
}

// OrderDetail is one machine booking inside an order.
type OrderDetail struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	OrderID     uuid.UUID         `db:"order_id" json:"order_id"`
	MachineID   uuid.UUID         `db:"machine_id" json:"machine_id"`
	MachineType MachineType       `db:"machine_type" json:"machine_type"`
	Status      OrderDetailStatus `db:"status" json:"status"`
	Price       decimal.Decimal   `db:"price" json:"price"`
	AddOns      AddOns            `db:"add_ons" json:"add_ons"`
	Position    int               `db:"position" json:"-"`
	Revision    int64             `db:"revision" json:"revision"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}

func (d *OrderDetail) TransitionTo(target OrderDetailStatus) error {
	if !d.Status.CanTransitionTo(target) {
		return invalidTransition("order detail", string(d.Status), string(target))
	}
	d.Status = target
	return nil
}

// HoldsMachine reports whether the detail still owns its machine reservation.
func (d OrderDetail) HoldsMachine() bool {
	return !d.Status.IsTerminal()
}

// PaymentProvider identifies the payment network.
type PaymentProvider string

const PaymentProviderVietQR PaymentProvider = "VIET_QR"

func (p PaymentProvider) Valid() bool {
	return p == PaymentProviderVietQR
}

// WholeUnits reports whether the provider only settles whole currency units (VND has no minor unit).
func (p PaymentProvider) WholeUnits() bool {
	return p == PaymentProviderVietQR
}

// PaymentDetails is what the provider hands back for the customer to pay with.
type PaymentDetails struct {
	QRCode           string    `json:"qr_code"`
	QRImageURL       string    `json:"qr_image_url,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	Instructions     string    `json:"instructions,omitempty"`
	TransactionID    string    `json:"transaction_id"`
	TransactionRefID string    `json:"transaction_ref_id"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// Payable reports whether the QR code can still be paid at now.
func (p *Payment) Payable(now time.Time) bool {
	return p.Status == PaymentStatusWaitingForPurchase && p.Details != nil && now.Before(p.Details.ExpiresAt)
}

// Complete reports whether every field the purchase step relies on is present.
func (d PaymentDetails) Complete() bool {
	return d.QRCode != "" && d.TransactionID != "" && d.TransactionRefID != "" && !d.ExpiresAt.IsZero()
}

func (d PaymentDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *PaymentDetails) Scan(src interface{}) error {
	return scanJSON(src, d)
}

// Payment is a transaction bound to exactly one order.
type Payment struct {
	ID                    uuid.UUID       `db:"id" json:"id"`
	OrderID               uuid.UUID       `db:"order_id" json:"order_id"`
	StoreID               uuid.UUID       `db:"store_id" json:"store_id"`
	TenantID              uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	Status                PaymentStatus   `db:"status" json:"status"`
	TotalAmount           decimal.Decimal `db:"total_amount" json:"total_amount"`
	Provider              PaymentProvider `db:"provider" json:"provider"`
	TransactionCode       string          `db:"transaction_code" json:"transaction_code"`
	ProviderTransactionID *string         `db:"provider_transaction_id" json:"provider_transaction_id,omitempty"`
	Details               *PaymentDetails `db:"details" json:"details,omitempty"`
	FailureReason         string          `db:"failure_reason" json:"failure_reason,omitempty"`
	Revision              int64           `db:"revision" json:"revision"`
	// CycleStartedAt marks the start of the current detail-generation cycle; retries reset it.
	CycleStartedAt time.Time `db:"cycle_started_at" json:"cycle_started_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

func (p *Payment) TransitionTo(target PaymentStatus) error {
	if !p.Status.CanTransitionTo(target) {
		return invalidTransition("payment", string(p.Status), string(target))
	}
	p.Status = target
	return nil
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
