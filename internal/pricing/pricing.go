// Copyright 2025 James Ross

// Package pricing assesses the reward for posting a bundle transaction.
package pricing

import (
	"context"
	"fmt"

	"github.com/bundleforge/fulfillment/internal/gateway"
)

// Pricing returns the winston reward to attach to a bundle transaction.
type Pricing interface {
	GetBundleReward(ctx context.Context, totalByteCount int64) (int64, error)
}

// GatewayPricing prices bundles from the gateway's byte-price oracle, with an
// optional multiplier headroom so underpriced transactions are not dropped
// when network fees move between assessment and post.
type GatewayPricing struct {
	gw         gateway.Gateway
	multiplier float64
}

func NewGatewayPricing(gw gateway.Gateway, multiplier float64) *GatewayPricing {
	if multiplier <= 0 {
		multiplier = 1.0
	}
	return &GatewayPricing{gw: gw, multiplier: multiplier}
}

func (p *GatewayPricing) GetBundleReward(ctx context.Context, totalByteCount int64) (int64, error) {
	price, err := p.gw.GetPriceForBytes(ctx, totalByteCount)
	if err != nil {
		return 0, fmt.Errorf("price %d bytes: %w", totalByteCount, err)
	}
	return int64(float64(price) * p.multiplier), nil
}
