package media

// InputBuffer is a reusable sample container moved between pipeline stages.
// It is exclusively owned by the stage that last dequeued it until that
// stage queues or releases it again.
type InputBuffer struct {
	Data        []byte
	TimeUs      int64
	KeyFrame    bool
	EndOfStream bool
}

// Clear resets the buffer for reuse. The payload slice is truncated, not
// freed, so the backing array is recycled across samples.
func (b *InputBuffer) Clear() {
	b.Data = b.Data[:0]
	b.TimeUs = 0
	b.KeyFrame = false
	b.EndOfStream = false
}

// SetData replaces the payload, reusing the backing array when it is large
// enough.
func (b *InputBuffer) SetData(payload []byte) {
	b.Data = append(b.Data[:0], payload...)
}
