package audio

import (
	"errors"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// Engine owns the audio backend context. Open it once per process; devices
// opened from it share the context and must be closed before Close.
type Engine struct {
	malgoCtx *malgo.AllocatedContext
	otoCtx   *oto.Context

	mu     sync.Mutex
	closed bool
}

// NewEngine initializes the capture and playback backends.
func NewEngine() (*Engine, error) {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return nil, err
	}

	// 4800 bytes at 24kHz mono 16-bit is ~100ms of audio. Smaller buffers
	// lower latency but risk glitches.
	otoOpts := &oto.NewContextOptions{
		SampleRate:   SampleRate,
		ChannelCount: Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   4800,
	}
	otoCtx, ready, err := oto.NewContext(otoOpts)
	if err != nil {
		malgoCtx.Uninit()
		return nil, err
	}
	<-ready

	return &Engine{malgoCtx: malgoCtx, otoCtx: otoCtx}, nil
}

// OpenCapture starts the default microphone.
func (e *Engine) OpenCapture() (Capture, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("audio engine closed")
	}
	return newMicCapture(e.malgoCtx.Context)
}

// OpenPlayback prepares the default speaker. Playback starts on first Write.
func (e *Engine) OpenPlayback() (Playback, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("audio engine closed")
	}
	return newSpeakerPlayback(e.otoCtx), nil
}

// Close tears down the backend contexts.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.malgoCtx.Uninit()
}

// micCapture reads PCM from the default microphone.
type micCapture struct {
	device *malgo.Device
	buf    []byte
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

func newMicCapture(ctx malgo.Context) (*micCapture, error) {
	m := &micCapture{
		buf: make([]byte, 0, SampleRate*2), // 1 second capacity
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(Channels)
	deviceConfig.SampleRate = uint32(SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.mu.Lock()
			m.buf = append(m.buf, pInputSamples...)
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(ctx, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, err
	}

	return m, nil
}

func (m *micCapture) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.buf) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return 0, errors.New("capture closed")
	}

	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

func (m *micCapture) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	if m.device != nil {
		m.device.Stop()
		m.device.Uninit()
	}
	return nil
}

// speakerPlayback plays PCM through the speaker. The oto player pulls from
// the internal buffer via Read.
type speakerPlayback struct {
	otoCtx  *oto.Context
	player  *oto.Player
	buf     []byte
	mu      sync.Mutex
	cond    *sync.Cond
	playing bool
	closed  bool
}

func newSpeakerPlayback(ctx *oto.Context) *speakerPlayback {
	s := &speakerPlayback{
		otoCtx: ctx,
		buf:    make([]byte, 0, SampleRate*4), // 2 second capacity
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *speakerPlayback) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, data...)

	if !s.playing && !s.closed {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}

	s.cond.Signal()
}

// Read implements io.Reader for oto.Player.
func (s *speakerPlayback) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}

	if s.closed && len(s.buf) == 0 {
		// Feed silence so oto drains gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush discards pending audio and stops playback so the next Write starts a
// fresh player. Used when the agent is interrupted mid-utterance.
func (s *speakerPlayback) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]

	if s.player != nil && s.playing {
		s.playing = false
		player := s.player
		s.player = nil
		s.mu.Unlock()

		// Pause first to cut audio, then reset to clear oto's internal
		// buffer before releasing the player.
		player.Pause()
		player.Reset()
		player.Close()
		return
	}
	s.mu.Unlock()
}

func (s *speakerPlayback) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.player != nil {
		s.player.Close()
	}
	return nil
}
