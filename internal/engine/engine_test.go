package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"centrex/internal/apperr"
	"centrex/internal/model"
)

func TestProcessOrderRejectsZeroQty(t *testing.T) {
	e := &Engine{}
	_, err := e.processOrder(PlaceRequest{
		UserID: uuid.New(), Ticker: "MEMCOIN", Direction: model.DirectionBuy,
		Kind: model.KindMarket, Qty: 0,
	})

	appErr, ok := apperr.As(err)
	assert.True(t, ok, "expected an *apperr.Error")
	assert.Equal(t, apperr.Validation, appErr.Code)
}

func TestProcessOrderRejectsLimitWithoutPrice(t *testing.T) {
	e := &Engine{}
	_, err := e.processOrder(PlaceRequest{
		UserID: uuid.New(), Ticker: "MEMCOIN", Direction: model.DirectionBuy,
		Kind: model.KindLimit, Qty: 10, Price: nil,
	})

	appErr, ok := apperr.As(err)
	assert.True(t, ok)
	assert.Equal(t, apperr.Validation, appErr.Code)
}

func TestProcessOrderRejectsLimitWithZeroPrice(t *testing.T) {
	e := &Engine{}
	zero := uint64(0)
	_, err := e.processOrder(PlaceRequest{
		UserID: uuid.New(), Ticker: "MEMCOIN", Direction: model.DirectionSell,
		Kind: model.KindLimit, Qty: 10, Price: &zero,
	})

	appErr, ok := apperr.As(err)
	assert.True(t, ok)
	assert.Equal(t, apperr.Validation, appErr.Code)
}
