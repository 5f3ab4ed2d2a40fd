package pricing

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrNoPrice = errors.New("no price entry")

type Status string

const (
	StatusComputed Status = "computed"
	StatusPartial  Status = "partial"
	StatusUnknown  Status = "unknown"
)

// Entry is one price version for a (vendor, model) pair. Prices are USD per
// 1,000 tokens.
type Entry struct {
	Vendor      string
	Model       string
	Effective   time.Time
	InputPer1K  float64
	OutputPer1K float64
}

type Cost struct {
	Amount float64 `json:"amount"`
	Status Status  `json:"status"`
}

type key struct {
	vendor string
	model  string
}

// Table is immutable after construction and safe for concurrent use.
type Table struct {
	entries map[key][]Entry // ascending by Effective
}

func NewTable(entries []Entry) (*Table, error) {
	t := &Table{entries: make(map[key][]Entry)}
	for i, e := range entries {
		if e.Vendor == "" || e.Model == "" {
			return nil, fmt.Errorf("price entry %d: vendor and model are required", i)
		}
		if e.InputPer1K < 0 || e.OutputPer1K < 0 {
			return nil, fmt.Errorf("price entry %d (%s/%s): negative price", i, e.Vendor, e.Model)
		}
		k := key{e.Vendor, e.Model}
		t.entries[k] = append(t.entries[k], e)
	}
	for k, list := range t.entries {
		sort.Slice(list, func(i, j int) bool { return list[i].Effective.Before(list[j].Effective) })
		for i := 1; i < len(list); i++ {
			if list[i].Effective.Equal(list[i-1].Effective) {
				return nil, fmt.Errorf("price table: duplicate effective date %s for %s/%s",
					list[i].Effective.Format(time.DateOnly), k.vendor, k.model)
			}
		}
	}
	return t, nil
}

// Lookup returns the entry with the latest effective date not after at.
func (t *Table) Lookup(vendor, model string, at time.Time) (Entry, bool) {
	list := t.entries[key{vendor, model}]
	i := sort.Search(len(list), func(i int) bool { return list[i].Effective.After(at) })
	if i == 0 {
		return Entry{}, false
	}
	return list[i-1], true
}

// Cost prices a call. An unknown token leg contributes nothing and marks the
// result partial. A missing price returns ErrNoPrice with a zero, unknown cost;
// callers record it and carry on.
func (t *Table) Cost(vendor, model string, inputTokens, outputTokens *int64, at time.Time) (Cost, error) {
	if inputTokens == nil && outputTokens == nil {
		return Cost{Status: StatusUnknown}, nil
	}

	e, ok := t.Lookup(vendor, model, at)
	if !ok {
		return Cost{Status: StatusUnknown}, fmt.Errorf("%w for %s/%s at %s", ErrNoPrice, vendor, model, at.Format(time.RFC3339))
	}

	var c Cost
	if inputTokens != nil {
		c.Amount += float64(*inputTokens) / 1000 * e.InputPer1K
	}
	if outputTokens != nil {
		c.Amount += float64(*outputTokens) / 1000 * e.OutputPer1K
	}

	c.Status = StatusComputed
	if inputTokens == nil || outputTokens == nil {
		c.Status = StatusPartial
	}
	return c, nil
}

// Len reports the number of price versions held.
func (t *Table) Len() int {
	n := 0
	for _, list := range t.entries {
		n += len(list)
	}
	return n
}
