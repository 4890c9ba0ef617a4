// Package audio provides microphone capture and speaker playback for live
// tutoring sessions. Audio is 24kHz mono signed 16-bit PCM end to end.
package audio

const (
	SampleRate = 24000
	Channels   = 1
)

// Capture is a microphone source. Read blocks until samples are available.
type Capture interface {
	Read(p []byte) (int, error)
	Close() error
}

// Playback is a speaker sink. Write never blocks on the device; Flush
// discards buffered audio so a new utterance starts clean.
type Playback interface {
	Write(data []byte)
	Flush()
	Close() error
}
