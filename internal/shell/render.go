package shell

import (
	"fmt"
	"io"

	"voicetutor/internal/phase"
	"voicetutor/internal/transcript"
)

// renderer prints phase changes and newly finalized utterances. Utterances
// stream as partials that replace each other, so a line is only printed once
// its text is settled.
type renderer struct {
	out      io.Writer
	userName string
	printed  map[string]bool
}

func newRenderer(out io.Writer, userName string) *renderer {
	return &renderer{
		out:      out,
		userName: userName,
		printed:  make(map[string]bool),
	}
}

func (r *renderer) phase(p phase.Phase) {
	switch p {
	case phase.Listening:
		fmt.Fprintln(r.out, "  [tutor is listening]")
	case phase.Thinking:
		fmt.Fprintln(r.out, "  [tutor is thinking]")
	case phase.Speaking:
		fmt.Fprintln(r.out, "  [tutor is speaking]")
	}
}

// transcript prints utterances that finalized since the last call, in
// timeline order.
func (r *renderer) transcript(snap []transcript.Utterance) {
	for _, u := range snap {
		if !u.Finalized || r.printed[u.ID] {
			continue
		}
		r.printed[u.ID] = true
		fmt.Fprintf(r.out, "%s: %s\n", r.label(u.Speaker), u.Text)
	}
}

// flush prints everything still unfinalized, marked as such. Used when the
// session ends so no speech is lost from the view.
func (r *renderer) flush(snap []transcript.Utterance) {
	for _, u := range snap {
		if r.printed[u.ID] {
			continue
		}
		r.printed[u.ID] = true
		fmt.Fprintf(r.out, "%s: %s …\n", r.label(u.Speaker), u.Text)
	}
}

func (r *renderer) label(sp transcript.Speaker) string {
	if sp == transcript.SpeakerAgent {
		return "Tutor"
	}
	return r.userName
}
