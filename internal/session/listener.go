package session

import (
	"github.com/rickgao/hsm-feed/internal/connection"
	"github.com/rickgao/hsm-feed/internal/model"
)

// Listener receives session notifications on the run loop goroutine.
type Listener interface {
	OnStatusChange(state connection.State)
	OnPriceUpdate(inst model.Instrument, price model.PriceState)
	OnSubscribeError(err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	StatusChange   func(connection.State)
	PriceUpdate    func(model.Instrument, model.PriceState)
	SubscribeError func(error)
}

func (f ListenerFuncs) OnStatusChange(state connection.State) {
	if f.StatusChange != nil {
		f.StatusChange(state)
	}
}

func (f ListenerFuncs) OnPriceUpdate(inst model.Instrument, price model.PriceState) {
	if f.PriceUpdate != nil {
		f.PriceUpdate(inst, price)
	}
}

func (f ListenerFuncs) OnSubscribeError(err error) {
	if f.SubscribeError != nil {
		f.SubscribeError(err)
	}
}
