package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
)

// Static replays scripted frames per region. Once a region's script is
// exhausted its last frame is repeated.
type Static struct {
	mu      sync.Mutex
	scripts map[string][]*Frame
	pos     map[string]int
	calls   int
}

// NewStatic returns an empty scripted capturer.
func NewStatic() *Static {
	return &Static{
		scripts: make(map[string][]*Frame),
		pos:     make(map[string]int),
	}
}

// Script appends frames to region's playback queue.
func (s *Static) Script(region string, frames ...*Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[region] = append(s.scripts[region], frames...)
}

// Calls returns how many captures have been served.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Static) Available() bool { return true }

func (s *Static) Displays() []image.Rectangle { return nil }

func (s *Static) Capture(ctx context.Context, region Region) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := s.scripts[region.Name]
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames scripted for region %q", region.Name)
	}
	i := s.pos[region.Name]
	if i >= len(frames) {
		i = len(frames) - 1
	} else {
		s.pos[region.Name] = i + 1
	}
	s.calls++
	return frames[i], nil
}
