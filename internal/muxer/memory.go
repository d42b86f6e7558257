package muxer

import (
	"errors"
	"sync"

	"github.com/zsiec/stitch/internal/media"
)

// MemoryMuxer records every operation instead of writing a container. It
// backs tests and dry runs, and can inject write failures.
type MemoryMuxer struct {
	mu     sync.Mutex
	tracks []*MemoryTrack

	released   bool
	releasedOK bool

	// WriteErr, when set, is returned by every WriteSample call.
	WriteErr error
}

// MemoryTrack is the recorded state of one registered track.
type MemoryTrack struct {
	Format  media.Format
	Samples []MemorySample
	Ended   bool
}

// MemorySample is one recorded write.
type MemorySample struct {
	PTSUs    int64
	Keyframe bool
	Size     int
}

// NewMemoryMuxer returns an empty MemoryMuxer.
func NewMemoryMuxer() *MemoryMuxer {
	return &MemoryMuxer{}
}

func (m *MemoryMuxer) AddTrack(format media.Format) (TrackID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, &MemoryTrack{Format: format})
	return TrackID(len(m.tracks) - 1), nil
}

func (m *MemoryMuxer) WriteSample(id TrackID, payload []byte, keyframe bool, ptsUs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	if int(id) >= len(m.tracks) {
		return errors.New("muxer: unknown track id")
	}
	t := m.tracks[id]
	t.Samples = append(t.Samples, MemorySample{PTSUs: ptsUs, Keyframe: keyframe, Size: len(payload)})
	return nil
}

func (m *MemoryMuxer) EndTrack(id TrackID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) >= len(m.tracks) {
		return errors.New("muxer: unknown track id")
	}
	m.tracks[id].Ended = true
	return nil
}

func (m *MemoryMuxer) Release(ok bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	m.releasedOK = ok
	return nil
}

// Track returns a snapshot of the recorded track at index id, or nil.
func (m *MemoryMuxer) Track(id TrackID) *MemoryTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) >= len(m.tracks) {
		return nil
	}
	t := *m.tracks[id]
	t.Samples = append([]MemorySample(nil), t.Samples...)
	return &t
}

// TrackCount returns the number of registered tracks.
func (m *MemoryMuxer) TrackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// Released reports whether Release was called and with which outcome.
func (m *MemoryMuxer) Released() (called, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released, m.releasedOK
}

// SampleCount returns the total number of recorded samples across tracks.
func (m *MemoryMuxer) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tracks {
		n += len(t.Samples)
	}
	return n
}
