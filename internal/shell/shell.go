// Package shell is the terminal front end: name entry, session start, live
// phase and transcript display, and teardown back to name entry.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"voicetutor/internal/audio"
	"voicetutor/internal/config"
	"voicetutor/internal/credential"
	"voicetutor/internal/history"
	"voicetutor/internal/observability"
	"voicetutor/internal/phase"
	"voicetutor/internal/session"
	"voicetutor/internal/transcript"
)

// Options carry the shell's audio collaborators. Nil openers run the session
// without live audio, which still exercises the full signaling path.
type Options struct {
	OpenMic      func() (audio.Capture, error)
	OpenPlayback func() (audio.Playback, error)
	Logger       *slog.Logger
}

// Shell runs the interactive session loop.
type Shell struct {
	cfg    *config.Client
	creds  *credential.Client
	in     io.Reader
	out    io.Writer
	opts   Options
	logger *slog.Logger
}

// New creates a shell reading commands from in and rendering to out.
func New(cfg *config.Client, creds *credential.Client, in io.Reader, out io.Writer, opts Options) *Shell {
	logger := opts.Logger
	if logger == nil {
		logger = observability.WithFields("component", "shell")
	}
	return &Shell{
		cfg:    cfg,
		creds:  creds,
		in:     in,
		out:    out,
		opts:   opts,
		logger: logger,
	}
}

// Run drives the name-entry/session loop until the input closes, the user
// quits, or ctx is canceled.
func (s *Shell) Run(ctx context.Context) error {
	s.printBanner()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(s.out, "\nEnter your name to start a session (or 'quit'): ")

		var name string
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			name = line
		case <-ctx.Done():
			return ctx.Err()
		}

		switch strings.ToLower(name) {
		case "quit", "exit", "q":
			return nil
		case "":
			fmt.Fprintln(s.out, "A name is required.")
			continue
		}

		if err := s.runSession(ctx, name, lines); err != nil {
			// Any start failure returns to name entry with a message.
			fmt.Fprintf(s.out, "Could not connect: %v. Please try again.\n", reason(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// runSession requests a fresh credential, joins the room, and renders until
// the session ends or the user leaves.
func (s *Shell) runSession(ctx context.Context, name string, lines <-chan string) error {
	credCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	cred, err := s.creds.RequestCredential(credCtx, name)
	cancel()
	if err != nil {
		return err
	}

	if cfg, err := s.creds.FetchConfig(ctx); err == nil {
		fmt.Fprintf(s.out, "\nToday's topic: %s (%s)\n", cfg.Topic, cfg.Subject)
	}

	tracker := phase.NewTracker()

	// Finalized utterances flow to the gateway fire-and-forget; the session
	// never waits on persistence.
	recorder := history.NewRecorder(cred.Room, history.NewRemoteStore(s.cfg.GatewayURL, nil), s.logger)
	defer recorder.Close()

	// A fresh merger per session: the previous transcript stays on screen
	// but the timeline itself starts clean.
	merger := transcript.NewMerger(transcript.WithOnFinal(recorder.OnFinal))

	var playback audio.Playback
	if s.opts.OpenPlayback != nil {
		if playback, err = s.opts.OpenPlayback(); err != nil {
			return err
		}
	}

	conn := session.NewConnection(cred, name, tracker, merger, session.Options{
		OpenMic:  s.opts.OpenMic,
		Playback: playback,
		Logger:   s.logger,
	})

	fmt.Fprintf(s.out, "Connecting to %s...\n", cred.Room)
	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err = conn.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	fmt.Fprintln(s.out, "Connected. Speak naturally; type 'leave' to end the session.")

	r := newRenderer(s.out, name)
	phaseCh, unsubPhase := tracker.Subscribe()
	defer unsubPhase()
	changed, unsubMerge := merger.Subscribe()
	defer unsubMerge()

	events := conn.Events()
	over := false
	sessionOver := func(reason string) {
		over = true
		r.transcript(merger.Snapshot())
		r.flush(merger.Snapshot())
		fmt.Fprintf(s.out, "\nSession over (%s).\n", reason)
	}
	for {
		select {
		case p := <-phaseCh:
			r.phase(p)

		case <-changed:
			r.transcript(merger.Snapshot())

		case line, ok := <-lines:
			if !ok || line == "leave" || line == "q" {
				conn.Disconnect()
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.State == session.StateEnded || ev.State == session.StateFailed {
				sessionOver(ev.Reason)
			}

		case <-conn.Done():
			// Teardown buffers the terminal event before closing done, so
			// drain the stream rather than racing it: the closing render must
			// happen exactly once, whichever case fires first.
			for events != nil {
				ev, ok := <-events
				if !ok {
					events = nil
					break
				}
				if !over && (ev.State == session.StateEnded || ev.State == session.StateFailed) {
					sessionOver(ev.Reason)
				}
			}
			if !over {
				sessionOver(string(conn.State()))
			}
			return nil

		case <-ctx.Done():
			conn.Disconnect()
			<-conn.Done()
			return ctx.Err()
		}
	}
}

func (s *Shell) printBanner() {
	fmt.Fprintln(s.out, "============================================")
	fmt.Fprintln(s.out, "  Voice Tutor: live tutoring sessions")
	fmt.Fprintln(s.out, "============================================")
}

// reason unwraps known failure types into a short user-facing string.
func reason(err error) string {
	var f *credential.Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return err.Error()
}
