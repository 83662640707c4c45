package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSlotRange(t *testing.T) {
	tests := []struct {
		in      string
		want    SlotRange
		wantErr bool
	}{
		{in: "12", want: NewSlotRange(12, 12)},
		{in: "0-99", want: NewSlotRange(0, 99)},
		{in: " 100 - 200 ", want: NewSlotRange(100, 200)},
		{in: "0-16383", want: NewSlotRange(0, 16383)},
		{in: "16384", wantErr: true},
		{in: "10-5", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSlotRange(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSlotRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSlotRangesNormalize(t *testing.T) {
	rs := SlotRanges{
		NewSlotRange(100, 199),
		NewSlotRange(0, 49),
		NewSlotRange(50, 60),
		NewSlotRange(150, 300),
	}

	assert.Equal(t, SlotRanges{NewSlotRange(0, 60), NewSlotRange(100, 300)}, rs.Normalize())
	assert.Nil(t, SlotRanges(nil).Normalize())
}

func TestSlotRangesSubtract(t *testing.T) {
	rs := SlotRanges{NewSlotRange(0, 99)}

	assert.Equal(t, SlotRanges{NewSlotRange(0, 11), NewSlotRange(13, 99)}, rs.Subtract(NewSlotRange(12, 12)))
	assert.Equal(t, SlotRanges{NewSlotRange(50, 99)}, rs.Subtract(NewSlotRange(0, 49)))
	assert.Nil(t, rs.Subtract(NewSlotRange(0, 99)))
	assert.Equal(t, rs, rs.Subtract(NewSlotRange(200, 300)))
}

func TestSlotRangesCovers(t *testing.T) {
	rs := SlotRanges{NewSlotRange(0, 49), NewSlotRange(50, 99), NewSlotRange(200, 210)}

	assert.True(t, rs.Covers(NewSlotRange(40, 60)))
	assert.True(t, rs.Covers(NewSlotRange(205, 205)))
	assert.False(t, rs.Covers(NewSlotRange(90, 110)))
	assert.Equal(t, 111, rs.Count())
}

func TestParseSlotRanges(t *testing.T) {
	rs, err := ParseSlotRanges("200, 0-99,100-150")
	require.NoError(t, err)
	assert.Equal(t, SlotRanges{NewSlotRange(0, 150), NewSlotRange(200, 200)}, rs)
	assert.Equal(t, "0-150,200", rs.String())

	_, err = ParseSlotRanges("")
	assert.Error(t, err)
}
