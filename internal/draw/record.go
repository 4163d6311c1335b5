// Package draw holds the immutable draw record and its derived attributes.
package draw

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Key is the strictly increasing issue number of a draw.
type Key int64

func (k Key) String() string { return strconv.FormatInt(int64(k), 10) }

// BigBoundary is the smallest sum classified as big.
const BigBoundary = 14

// Combination classes.
const (
	ComboTriple   = "豹子"
	ComboPair     = "对子"
	ComboStraight = "顺子"
	ComboMixed    = "杂六"
)

// Record is one published draw. Treat it as immutable once built.
type Record struct {
	Key      Key       `json:"key"`
	OpenedAt time.Time `json:"opened_at"`
	Numbers  []int     `json:"numbers"`
	Sum      int       `json:"sum"`
	Big      bool      `json:"big"`
	Odd      bool      `json:"odd"`
	Combo    string    `json:"combo"`
}

// ID is the identity used by the message cache.
func (r Record) ID() Key { return r.Key }

// NumbersText renders the numbers the way the feed publishes them ("3+5+9").
func (r Record) NumbersText() string {
	parts := make([]string, len(r.Numbers))
	for i, n := range r.Numbers {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "+")
}

// SizeParity returns e.g. "大单" or "小双".
func (r Record) SizeParity() string {
	s := "小"
	if r.Big {
		s = "大"
	}
	if r.Odd {
		return s + "单"
	}
	return s + "双"
}

var ErrInvalidNumbers = errors.New("invalid draw numbers")

// ParseNumbers parses "3+5+9" into its digits.
func ParseNumbers(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidNumbers)
	}
	parts := strings.Split(s, "+")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 9 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidNumbers, s)
		}
		out = append(out, n)
	}
	return out, nil
}

// New builds a record from raw feed values. A sum <= 0 is recomputed from the numbers.
func New(key Key, openedAt time.Time, numbers []int, sum int) Record {
	if sum <= 0 {
		sum = 0
		for _, n := range numbers {
			sum += n
		}
	}
	r := Record{
		Key:      key,
		OpenedAt: openedAt,
		Numbers:  append([]int(nil), numbers...),
	}
	r.Sum, r.Big, r.Odd, r.Combo = Analyze(numbers, sum)
	return r
}

// Analyze derives the size, parity and combination class of a draw.
func Analyze(numbers []int, sum int) (int, bool, bool, string) {
	return sum, sum >= BigBoundary, sum%2 == 1, Combination(numbers)
}

// Combination classifies three digits. Straights wrap around 9→0, so
// 8-9-0 and 9-0-1 count next to the plain runs.
func Combination(numbers []int) string {
	if len(numbers) != 3 {
		return ComboMixed
	}
	distinct := map[int]struct{}{}
	for _, n := range numbers {
		distinct[n] = struct{}{}
	}
	switch len(distinct) {
	case 1:
		return ComboTriple
	case 2:
		return ComboPair
	}
	s := append([]int(nil), numbers...)
	sort.Ints(s)
	if s[1]-s[0] == 1 && s[2]-s[1] == 1 {
		return ComboStraight
	}
	// sorted forms of 8-9-0 and 9-0-1
	if (s[0] == 0 && s[1] == 8 && s[2] == 9) || (s[0] == 0 && s[1] == 1 && s[2] == 9) {
		return ComboStraight
	}
	return ComboMixed
}

// SortAscending orders records by key, oldest first, dropping duplicate keys.
func SortAscending(recs []Record) []Record {
	out := append([]Record(nil), recs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	w := 0
	for i := range out {
		if w > 0 && out[w-1].Key == out[i].Key {
			continue
		}
		out[w] = out[i]
		w++
	}
	return out[:w]
}

// Newest returns the record with the greatest key.
func Newest(recs []Record) (Record, bool) {
	if len(recs) == 0 {
		return Record{}, false
	}
	best := recs[0]
	for _, r := range recs[1:] {
		if r.Key > best.Key {
			best = r
		}
	}
	return best, true
}
