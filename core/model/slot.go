package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pyropy/slotcluster/lib/checksum"
	"golang.org/x/exp/slices"
)

const SlotCount = checksum.SlotCount

// SlotOf returns the hash slot a key belongs to.
func SlotOf(key []byte) int {
	return checksum.Slot(key)
}

// SlotRange is an inclusive range of slots.
type SlotRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

func NewSlotRange(start, end int) SlotRange {
	return SlotRange{Start: start, End: end}
}

func (r SlotRange) Valid() bool {
	return r.Start >= 0 && r.End < SlotCount && r.Start <= r.End
}

func (r SlotRange) Len() int {
	if !r.Valid() {
		return 0
	}
	return r.End - r.Start + 1
}

func (r SlotRange) Contains(slot int) bool {
	return slot >= r.Start && slot <= r.End
}

func (r SlotRange) Overlaps(other SlotRange) bool {
	return r.Start <= other.End && other.Start <= r.End
}

func (r SlotRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParseSlotRange parses "12" or "0-99".
func ParseSlotRange(s string) (SlotRange, error) {
	startRaw, endRaw, isRange := strings.Cut(strings.TrimSpace(s), "-")
	if !isRange {
		endRaw = startRaw
	}

	start, err := strconv.Atoi(strings.TrimSpace(startRaw))
	if err != nil {
		return SlotRange{}, fmt.Errorf("%w: %q", ErrInvalidSlotRange, s)
	}

	end, err := strconv.Atoi(strings.TrimSpace(endRaw))
	if err != nil {
		return SlotRange{}, fmt.Errorf("%w: %q", ErrInvalidSlotRange, s)
	}

	r := NewSlotRange(start, end)
	if !r.Valid() {
		return SlotRange{}, fmt.Errorf("%w: %q", ErrInvalidSlotRange, s)
	}

	return r, nil
}

// SlotRanges is a set of slot ranges. Normalized sets are sorted by start and
// contain no overlapping or adjacent ranges.
type SlotRanges []SlotRange

func (rs SlotRanges) Count() int {
	n := 0
	for _, r := range rs {
		n += r.Len()
	}
	return n
}

func (rs SlotRanges) Contains(slot int) bool {
	for _, r := range rs {
		if r.Contains(slot) {
			return true
		}
	}
	return false
}

// Covers reports whether every slot of r is inside the set.
func (rs SlotRanges) Covers(r SlotRange) bool {
	for _, own := range rs.Normalize() {
		if own.Start <= r.Start && r.End <= own.End {
			return true
		}
	}
	return false
}

func (rs SlotRanges) Overlaps(r SlotRange) bool {
	for _, own := range rs {
		if own.Overlaps(r) {
			return true
		}
	}
	return false
}

// Normalize returns a sorted copy with overlapping and adjacent ranges merged.
func (rs SlotRanges) Normalize() SlotRanges {
	if len(rs) == 0 {
		return nil
	}

	sorted := slices.Clone(rs)
	slices.SortFunc(sorted, func(a, b SlotRange) int {
		return a.Start - b.Start
	})

	out := SlotRanges{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}

	return out
}

func (rs SlotRanges) Add(r SlotRange) SlotRanges {
	return append(slices.Clone(rs), r).Normalize()
}

// Subtract removes r from the set, splitting ranges where needed.
func (rs SlotRanges) Subtract(r SlotRange) SlotRanges {
	var out SlotRanges
	for _, own := range rs {
		if !own.Overlaps(r) {
			out = append(out, own)
			continue
		}
		if own.Start < r.Start {
			out = append(out, NewSlotRange(own.Start, r.Start-1))
		}
		if own.End > r.End {
			out = append(out, NewSlotRange(r.End+1, own.End))
		}
	}

	return out.Normalize()
}

func (rs SlotRanges) String() string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}

// ParseSlotRanges parses a comma separated list such as "0-99,200".
func ParseSlotRanges(s string) (SlotRanges, error) {
	var out SlotRanges
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		r, err := ParseSlotRange(part)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	if len(out) == 0 {
		return nil, errors.New("no slot ranges given")
	}

	return out.Normalize(), nil
}
