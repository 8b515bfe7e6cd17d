package voice

import (
	"strings"

	"github.com/lexiqai/gpplus-voice/internal/audio"
	"github.com/lexiqai/gpplus-voice/internal/speech"
)

var (
	effBegin             = Effect{Kind: EffectBegin}
	effEnd               = Effect{Kind: EffectEnd}
	effCancel            = Effect{Kind: EffectCancel}
	effDiscard           = Effect{Kind: EffectDiscard}
	effRequestPermission = Effect{Kind: EffectRequestPermission}
)

// finalize hands text to the conversation as the next turn
func (m *Model) finalize(text string, source Source) Effect {
	m.turn++
	return Effect{Kind: EffectFinalize, Utterance: Utterance{Text: text, Source: source, Turn: m.turn}}
}

// Transition is the pure voice input state machine. It never fails: inputs
// that do not apply to the current state leave the model unchanged.
func Transition(m Model, in Input) (Model, []Effect) {
	switch in := in.(type) {
	case MicTapped:
		return micTapped(m, in.Granted)

	case StopRequested:
		if m.phase == phaseListening {
			m.phase = phaseStopping
			m.volume = 0
			return m, []Effect{effEnd}
		}
		return m, nil

	case CancelRequested:
		if m.phase == phaseListening || m.phase == phaseStopping {
			m = toIdle(m)
			return m, []Effect{effCancel}
		}
		return m, nil

	case PermissionResolved:
		return permissionResolved(m, in.Granted)

	case TextSubmitted:
		return textSubmitted(m, in.Text)

	case TurnCompleted:
		if m.phase != phaseProcessing || in.Turn != m.turn {
			return m, nil
		}
		if in.Rearm && in.Granted {
			return listen(m)
		}
		return toIdle(m), nil

	case Recognition:
		return recognition(m, in.Event)
	}

	return m, nil
}

func micTapped(m Model, granted bool) (Model, []Effect) {
	switch m.phase {
	case phaseIdle, phaseProcessing:
		if !granted {
			m.permissionRequired = true
			m.awaitingPermission = true
			return m, []Effect{effRequestPermission}
		}
		return listen(m)

	case phaseListening:
		m.phase = phaseStopping
		m.volume = 0
		return m, []Effect{effEnd}

	case phaseStopping:
		// listen again as soon as the pending final arrives
		if granted {
			m.rearmPending = true
		}
		return m, nil
	}
	return m, nil
}

func permissionResolved(m Model, granted bool) (Model, []Effect) {
	if !m.awaitingPermission {
		if granted {
			m.permissionRequired = false
		}
		return m, nil
	}

	m.awaitingPermission = false
	if !granted {
		m.permissionRequired = true
		m.errorMessage = PermissionDenied
		return m, nil
	}

	m.permissionRequired = false
	if m.phase == phaseIdle || m.phase == phaseProcessing {
		return listen(m)
	}
	return m, nil
}

func textSubmitted(m Model, text string) (Model, []Effect) {
	text = strings.TrimSpace(text)
	if text == "" {
		return m, nil
	}

	var effects []Effect
	if m.phase == phaseListening || m.phase == phaseStopping {
		effects = append(effects, effCancel)
	}

	m.phase = phaseProcessing
	m.transcript = ""
	m.errorMessage = ""
	m.volume = 0
	m.rearmPending = false
	effects = append(effects, m.finalize(text, SourceText))
	return m, effects
}

func recognition(m Model, ev speech.Event) (Model, []Effect) {
	active := m.phase == phaseListening || m.phase == phaseStopping

	switch ev.Kind {
	case speech.KindPartial:
		if m.phase != phaseListening || strings.TrimSpace(ev.Text) == "" {
			return m, nil
		}
		m.transcript = ev.Text
		m.errorMessage = ""
		return m, nil

	case speech.KindVolume:
		if !active {
			return m, nil
		}
		m.volume = audio.Clamp01(ev.Level)
		return m, nil

	case speech.KindFinal:
		if !active {
			return m, nil
		}
		rearm := m.rearmPending
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			m = toIdle(m)
			if rearm {
				next, effects := listen(m)
				return next, append([]Effect{effDiscard}, effects...)
			}
			return m, []Effect{effDiscard}
		}

		m.phase = phaseProcessing
		m.transcript = text
		m.volume = 0
		m.rearmPending = false
		effects := []Effect{m.finalize(text, SourceSpeech)}
		if rearm {
			next, more := listen(m)
			return next, append(effects, more...)
		}
		return m, effects

	case speech.KindError:
		if m.phase == phaseIdle {
			return m, nil
		}
		m = toIdle(m)
		m.errorMessage = ev.Reason
		return m, []Effect{effCancel}
	}

	return m, nil
}

// listen starts a fresh recognition cycle
func listen(m Model) (Model, []Effect) {
	m.phase = phaseListening
	m.transcript = ""
	m.errorMessage = ""
	m.volume = 0
	m.permissionRequired = false
	m.awaitingPermission = false
	m.rearmPending = false
	return m, []Effect{effBegin}
}

func toIdle(m Model) Model {
	m.phase = phaseIdle
	m.transcript = ""
	m.volume = 0
	m.rearmPending = false
	return m
}
