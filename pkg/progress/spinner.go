package progress

import (
	"context"
	"time"
)

const spinnerInterval = 100 * time.Millisecond

var spinnerFrames = []string{"|", "/", "-", "\\"}

// Spin runs step while redrawing "<message> <frame>" at 10 Hz. When step
// returns, or panics, the ticker is stopped and message is written once more
// without a frame.
func (s *Stream) Spin(ctx context.Context, message string, step func(context.Context) error) error {
	_ = s.Send(Message{Message: message + " " + spinnerFrames[0]})

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(spinnerInterval)
		defer ticker.Stop()

		frame := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				frame = (frame + 1) % len(spinnerFrames)
				_ = s.Send(Message{Message: message + " " + spinnerFrames[frame], Replace: true})
			}
		}
	}()

	defer func() {
		close(stop)
		<-stopped
		_ = s.Send(Message{Message: message, Replace: true})
	}()

	return step(ctx)
}
