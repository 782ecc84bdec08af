//go:build !rnnoise || !cgo

package audio

// NewSuppressor returns the pure-Go noise gate. Build with the rnnoise tag
// to use librnnoise instead.
func NewSuppressor() (Suppressor, error) {
	return NewNoiseGate(), nil
}
