// Copyright 2025 James Ross
package packer

import (
	"time"

	"go.uber.org/zap"
)

// Item is the slice of data-item metadata the packer needs.
type Item struct {
	DataItemID         string
	ByteCount          int64
	UploadedDate       time.Time
	PremiumFeatureType string
}

// Plan is a proposed bundle: an ordered set of data items whose combined size
// and count fit under the configured caps.
type Plan struct {
	DataItemIDs         []string
	TotalByteCount      int64
	ContainsOverdueItem bool
}

type Options struct {
	MaxBundleSize        int64
	MaxDataItemSize      int64
	MaxDataItemLimit     int
	OverdueThreshold     time.Duration
	TargetBundleSize     int64
	DedicatedBundleTypes map[string]struct{}
}

type Packer struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options, log *zap.Logger) *Packer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Packer{opts: opts, log: log}
}

const defaultPartition = "default"

// Pack groups items into plans. Items sharing a dedicated premium feature type
// are packed apart from everything else so bundles never mix feature types.
// Placement is first-fit at the lowest plan index, which keeps the result
// deterministic in input order.
//
// Plans that are neither overdue nor at target weight are withheld; the items
// stay in the new table and are reconsidered on the next tick.
func (p *Packer) Pack(now time.Time, items []Item) []Plan {
	partitions := map[string][]Item{}
	order := []string{}
	for _, it := range items {
		key := defaultPartition
		if _, ok := p.opts.DedicatedBundleTypes[it.PremiumFeatureType]; ok {
			key = it.PremiumFeatureType
		}
		if _, seen := partitions[key]; !seen {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], it)
	}

	var shippable []Plan
	for _, key := range order {
		packed := p.packPartition(now, partitions[key])
		for _, plan := range packed {
			if plan.ContainsOverdueItem || plan.TotalByteCount >= p.opts.TargetBundleSize {
				shippable = append(shippable, plan)
			}
		}
	}
	return shippable
}

type openPlan struct {
	ids     []string
	total   int64
	overdue bool
}

func (p *Packer) packPartition(now time.Time, items []Item) []Plan {
	var plans []openPlan
	for _, it := range items {
		if it.ByteCount > p.opts.MaxDataItemSize {
			p.log.Warn("ignoring oversize data item",
				zap.String("data_item_id", it.DataItemID),
				zap.Int64("byte_count", it.ByteCount))
			continue
		}
		placed := false
		for i := range plans {
			if plans[i].total+it.ByteCount <= p.opts.MaxBundleSize && len(plans[i].ids) < p.opts.MaxDataItemLimit {
				plans[i].ids = append(plans[i].ids, it.DataItemID)
				plans[i].total += it.ByteCount
				plans[i].overdue = plans[i].overdue || p.isOverdue(now, it)
				placed = true
				break
			}
		}
		if !placed {
			plans = append(plans, openPlan{
				ids:     []string{it.DataItemID},
				total:   it.ByteCount,
				overdue: p.isOverdue(now, it),
			})
		}
	}

	out := make([]Plan, 0, len(plans))
	for _, pl := range plans {
		out = append(out, Plan{
			DataItemIDs:         pl.ids,
			TotalByteCount:      pl.total,
			ContainsOverdueItem: pl.overdue,
		})
	}
	return out
}

func (p *Packer) isOverdue(now time.Time, it Item) bool {
	return now.Sub(it.UploadedDate) >= p.opts.OverdueThreshold
}
