// Package composition models the input to an export: an immutable sequence
// of media items concatenated into a single output.
package composition

import (
	"errors"
	"fmt"

	"github.com/zsiec/stitch/internal/media"
)

// ErrEmptySequence is returned when a sequence is constructed with no items.
var ErrEmptySequence = errors.New("composition: sequence needs at least one item")

// SlowMotionSegment declares a region of a video track that was captured at
// SpeedDivisor times the playback frame rate for slow-motion playback.
// Flattening drops frames inside the segment to restore real-time speed.
type SlowMotionSegment struct {
	StartUs      int64
	EndUs        int64
	SpeedDivisor int
}

// Item is one entry in a sequence: a media reference plus its presentation
// parameters. Items are value types and must not be mutated after the
// sequence is built.
type Item struct {
	// URI locates the media, typically a local file path.
	URI string

	// FlattenSlowMotion requests that declared slow-motion segments of the
	// item's video track are flattened to real time.
	FlattenSlowMotion  bool
	SlowMotionSegments []SlowMotionSegment

	// DurationUs overrides the probed duration when set; media.TimeUnset
	// means "derive from the media".
	DurationUs int64
}

// NewItem returns an Item for the given URI with an unset duration.
func NewItem(uri string) Item {
	return Item{URI: uri, DurationUs: media.TimeUnset}
}

// Sequence is a fixed, ordered list of items. It is immutable once
// construction completes.
type Sequence struct {
	items []Item
}

// NewSequence validates and copies items into an immutable sequence.
func NewSequence(items ...Item) (*Sequence, error) {
	if len(items) == 0 {
		return nil, ErrEmptySequence
	}
	for i, it := range items {
		if it.URI == "" {
			return nil, fmt.Errorf("composition: item %d has no URI", i)
		}
		for _, seg := range it.SlowMotionSegments {
			if seg.SpeedDivisor < 1 || seg.EndUs <= seg.StartUs {
				return nil, fmt.Errorf("composition: item %d has an invalid slow-motion segment", i)
			}
		}
	}
	return &Sequence{items: append([]Item(nil), items...)}, nil
}

// Len returns the number of items.
func (s *Sequence) Len() int {
	return len(s.items)
}

// Item returns the item at index i.
func (s *Sequence) Item(i int) Item {
	return s.items[i]
}

// Items returns a copy of the item list.
func (s *Sequence) Items() []Item {
	return append([]Item(nil), s.items...)
}
