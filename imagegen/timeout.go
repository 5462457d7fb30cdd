// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package imagegen

import (
	"math"
	"time"
)

// Defaults for EstimateTimeout. A cold backend can spend minutes just
// loading the model so the base is generous.
const (
	timeoutBase     = 30 * time.Minute
	timeoutPerStep  = 20 * time.Second
	timeoutPerMP    = 90 * time.Second
	timeoutPerCfgPt = 45 * time.Second
	timeoutMax      = 2 * time.Hour
	cfgPenaltyAbove = 10.
	megapixel       = 1024 * 1024
)

// EstimateTimeout returns how long to wait for a generation before giving
// up, derived from the request parameters, and whether the estimate was
// clamped to the maximum.
//
// Pure and deterministic. Negative or NaN inputs contribute nothing rather
// than poisoning the result.
func EstimateTimeout(steps, width, height int, cfgScale float64) (time.Duration, bool) {
	d := timeoutBase
	if steps > 0 {
		d += time.Duration(steps) * timeoutPerStep
	}
	if width > 0 && height > 0 {
		if mp := float64(width) * float64(height) / megapixel; mp > 1 {
			d += time.Duration((mp - 1) * float64(timeoutPerMP))
		}
	}
	if !math.IsNaN(cfgScale) && cfgScale > cfgPenaltyAbove {
		d += time.Duration((cfgScale - cfgPenaltyAbove) * float64(timeoutPerCfgPt))
	}
	if d > timeoutMax {
		return timeoutMax, true
	}
	return d, false
}
