package deepgram

import "strings"

// transcript accumulates finalized segments of one utterance. Deepgram marks
// a segment final once its words will not change; interim results only
// cover the audio after the last final segment.
type transcript struct {
	segments []string
}

func (t *transcript) commit(segment string) {
	if segment = strings.TrimSpace(segment); segment != "" {
		t.segments = append(t.segments, segment)
	}
}

func (t *transcript) text() string {
	return strings.Join(t.segments, " ")
}

// with returns the committed text followed by an interim segment
func (t *transcript) with(interim string) string {
	interim = strings.TrimSpace(interim)
	if interim == "" {
		return t.text()
	}
	if len(t.segments) == 0 {
		return interim
	}
	return t.text() + " " + interim
}
