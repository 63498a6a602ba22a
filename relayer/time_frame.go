// Copyright (C) 2019-2025, Lux Industries Inc All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"errors"
	"time"
)

var errInvalidTimeFrame = errors.New("invalid time frame")

// TimeFrame lets several relayer nodes serving the same channels take turns.
// Time is cut into rounds of NodeCount frames of FrameSeconds each; node i
// relays only during frame i of every round, and stops GapSeconds before its
// frame ends so that its last submission lands before the next node starts.
// A zero FrameSeconds or a NodeCount below 2 disables framing.
type TimeFrame struct {
	FrameSeconds uint64
	NodeCount    uint64
	NodeIndex    uint64
	GapSeconds   uint64
}

func (f TimeFrame) Enabled() bool {
	return f.FrameSeconds > 0 && f.NodeCount > 1
}

func (f TimeFrame) Validate() error {
	if !f.Enabled() {
		return nil
	}
	if f.NodeIndex >= f.NodeCount {
		return errors.Join(errInvalidTimeFrame, errors.New("node index must be below node count"))
	}
	if f.GapSeconds >= f.FrameSeconds {
		return errors.Join(errInvalidTimeFrame, errors.New("gap must be shorter than the frame"))
	}
	return nil
}

// Active reports whether this node may relay at now
func (f TimeFrame) Active(now time.Time) bool {
	if !f.Enabled() {
		return true
	}
	ts := uint64(now.Unix())
	round := f.FrameSeconds * f.NodeCount
	offset := ts % round
	if offset/f.FrameSeconds != f.NodeIndex {
		return false
	}
	frameStart := ts - offset + f.NodeIndex*f.FrameSeconds
	gapStart := frameStart + f.FrameSeconds - f.GapSeconds
	return ts < gapStart
}
