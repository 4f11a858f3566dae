package stock

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStock_Validate(t *testing.T) {
	testCases := []struct {
		desc     string
		quantity int64
		err      error
	}{
		{desc: "Positive quantity", quantity: 10},
		{desc: "Empty stock", quantity: 0},
		{desc: "Negative quantity", quantity: -5, err: ErrNegativeQuantity},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			err := Stock{ID: 1, Quantity: tC.quantity}.Validate()

			if tC.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tC.err), "got %v", err)
		})
	}
}

func TestStock_Decrease(t *testing.T) {
	testCases := []struct {
		desc     string
		quantity int64
		amount   int64
		want     int64
		err      error
	}{
		{
			desc:     "Decreases quantity",
			quantity: 100,
			amount:   1,
			want:     99,
		},
		{
			desc:     "Decreases to exactly zero",
			quantity: 5,
			amount:   5,
			want:     0,
		},
		{
			desc:     "More than available, quantity unchanged",
			quantity: 5,
			amount:   6,
			want:     5,
			err:      ErrInsufficientQuantity,
		},
		{
			desc:     "Zero amount is rejected",
			quantity: 5,
			amount:   0,
			want:     5,
			err:      ErrInvalidAmount,
		},
		{
			desc:     "Negative amount is rejected",
			quantity: 5,
			amount:   -3,
			want:     5,
			err:      ErrInvalidAmount,
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			st := Stock{ID: 1, Quantity: tC.quantity}

			err := st.Decrease(tC.amount)

			assert.Equal(t, tC.want, st.Quantity)
			if tC.err == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tC.err), "got err %v, want %v", err, tC.err)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	testCases := []struct {
		desc    string
		input   string
		want    Strategy
		wantErr bool
	}{
		{desc: "unsynchronized", input: "unsynchronized", want: Unsynchronized},
		{desc: "exclusive", input: "exclusive", want: Exclusive},
		{desc: "shared mixed case", input: " Shared ", want: Shared},
		{desc: "optimistic", input: "OPTIMISTIC", want: Optimistic},
		{desc: "unknown", input: "pessimistic", wantErr: true},
		{desc: "empty", input: "", wantErr: true},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			got, err := ParseStrategy(tC.input)

			assert.Equal(t, tC.want, got)
			assert.Equal(t, tC.wantErr, err != nil)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConflict))
	assert.True(t, IsRetryable(ErrLockTimeout))
	assert.True(t, IsRetryable(ErrDeadlock))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(ErrInsufficientQuantity))
	assert.False(t, IsRetryable(nil))
}
