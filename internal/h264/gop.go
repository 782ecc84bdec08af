package h264

// FramePosition describes where a frame sits in the keyframe schedule.
type FramePosition struct {
	Index    uint64 // frames submitted since the encoder started
	InGOP    uint64 // 0 for the keyframe that opens the group
	GOP      uint64 // number of completed groups before this frame
	Keyframe bool
}

// KeyframeSchedule forces an IDR at frame indices 0, N, 2N, ... with
// N = interval. Only the single encode call site advances it.
type KeyframeSchedule struct {
	interval uint64
	next     uint64
}

// NewKeyframeSchedule returns a schedule with the given GOP length. An
// interval below one makes every frame a keyframe.
func NewKeyframeSchedule(interval int) *KeyframeSchedule {
	if interval < 1 {
		interval = 1
	}
	return &KeyframeSchedule{interval: uint64(interval)}
}

// Interval is the GOP length.
func (s *KeyframeSchedule) Interval() int { return int(s.interval) }

// Next returns the position of the next frame and advances.
func (s *KeyframeSchedule) Next() FramePosition {
	i := s.next
	s.next++
	return FramePosition{
		Index:    i,
		InGOP:    i % s.interval,
		GOP:      i / s.interval,
		Keyframe: i%s.interval == 0,
	}
}

// Count is the number of positions handed out so far.
func (s *KeyframeSchedule) Count() uint64 { return s.next }
