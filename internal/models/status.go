package models

import "fmt"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew               OrderStatus = "NEW"
	OrderStatusWaitingForPayment OrderStatus = "WAITING_FOR_PAYMENT"
	OrderStatusPaymentFailed     OrderStatus = "PAYMENT_FAILED"
	OrderStatusPaymentSuccess    OrderStatus = "PAYMENT_SUCCESS"
	OrderStatusInProgress        OrderStatus = "IN_PROGRESS"
	OrderStatusFinished          OrderStatus = "FINISHED"
	OrderStatusCancelled         OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:               {OrderStatusWaitingForPayment, OrderStatusCancelled},
	OrderStatusWaitingForPayment: {OrderStatusPaymentSuccess, OrderStatusPaymentFailed, OrderStatusCancelled},
	OrderStatusPaymentFailed:     {OrderStatusWaitingForPayment, OrderStatusCancelled},
	OrderStatusPaymentSuccess:    {OrderStatusInProgress},
	OrderStatusInProgress:        {OrderStatusFinished, OrderStatusCancelled},
	OrderStatusFinished:          {},
	OrderStatusCancelled:         {},
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFinished || s == OrderStatusCancelled
}

// CanTransitionTo reports whether s -> target is an edge of the order state machine.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// OrderDetailStatus is the lifecycle state of a single machine booking.
type OrderDetailStatus string

const (
	OrderDetailStatusNew        OrderDetailStatus = "NEW"
	OrderDetailStatusInProgress OrderDetailStatus = "IN_PROGRESS"
	OrderDetailStatusFinished   OrderDetailStatus = "FINISHED"
	OrderDetailStatusCancelled  OrderDetailStatus = "CANCELLED"
)

var orderDetailTransitions = map[OrderDetailStatus][]OrderDetailStatus{
	OrderDetailStatusNew:        {OrderDetailStatusInProgress, OrderDetailStatusCancelled},
	OrderDetailStatusInProgress: {OrderDetailStatusFinished, OrderDetailStatusCancelled},
	OrderDetailStatusFinished:   {},
	OrderDetailStatusCancelled:  {},
}

func (s OrderDetailStatus) Valid() bool {
	_, ok := orderDetailTransitions[s]
	return ok
}

func (s OrderDetailStatus) IsTerminal() bool {
	return s == OrderDetailStatusFinished || s == OrderDetailStatusCancelled
}

func (s OrderDetailStatus) CanTransitionTo(target OrderDetailStatus) bool {
	for _, next := range orderDetailTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// PaymentStatus is the lifecycle state of a payment transaction.
type PaymentStatus string

const (
	PaymentStatusNew                     PaymentStatus = "NEW"
	PaymentStatusWaitingForPaymentDetail PaymentStatus = "WAITING_FOR_PAYMENT_DETAIL"
	PaymentStatusWaitingForPurchase      PaymentStatus = "WAITING_FOR_PURCHASE"
	PaymentStatusSuccess                 PaymentStatus = "SUCCESS"
	PaymentStatusFailed                  PaymentStatus = "FAILED"
	PaymentStatusCancelled               PaymentStatus = "CANCELLED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusNew:                     {PaymentStatusWaitingForPaymentDetail, PaymentStatusCancelled},
	PaymentStatusWaitingForPaymentDetail: {PaymentStatusWaitingForPurchase, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusWaitingForPurchase:      {PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusCancelled},
	// FAILED only leaves through an explicit retry.
	PaymentStatusFailed:    {PaymentStatusNew},
	PaymentStatusSuccess:   {},
	PaymentStatusCancelled: {},
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

// IsActive reports whether the payment still blocks a new payment for its order.
func (s PaymentStatus) IsActive() bool {
	switch s {
	case PaymentStatusNew, PaymentStatusWaitingForPaymentDetail, PaymentStatusWaitingForPurchase:
		return true
	}
	return false
}

func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// ActivePaymentStatuses lists the statuses counted by the single-active-payment rule.
var ActivePaymentStatuses = []PaymentStatus{
	PaymentStatusNew,
	PaymentStatusWaitingForPaymentDetail,
	PaymentStatusWaitingForPurchase,
}

func invalidTransition(kind string, from, to string) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
}
