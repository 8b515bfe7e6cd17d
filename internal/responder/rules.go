// Package responder produces the assistant's canned replies, either from the
// local keyword rules or from a remote responder service over gRPC.
package responder

import (
	"context"
	"strings"
)

// Canned replies
const (
	EmergencyReply = "Chest pain or difficulty breathing can be serious. Please call 999 or go to A&E now."
	IllnessReply   = "It sounds like you may have a viral infection. Rest, drink plenty of fluids and take paracetamol if needed. Contact your GP if symptoms get worse or last more than a few days."
	ThroatReply    = "Sorry you’re unwell. Do you also have chest pain or trouble breathing?"
	DefaultReply   = "Can you tell me more about your symptoms and how long you have had them?"
)

// Responder answers a user utterance
type Responder interface {
	Reply(ctx context.Context, utterance string) (string, error)
}

// Rule maps utterances to a reply. All keywords of at least one group must
// appear in the lowercased utterance.
type Rule struct {
	Name   string
	AnyOf  [][]string
	Answer string
}

func (r Rule) matches(lower string) bool {
	for _, group := range r.AnyOf {
		all := true
		for _, kw := range group {
			if !strings.Contains(lower, kw) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// DefaultRules is the symptom rule table, in priority order
var DefaultRules = []Rule{
	{Name: "emergency", AnyOf: [][]string{{"chest"}, {"breath"}}, Answer: EmergencyReply},
	{Name: "illness", AnyOf: [][]string{{"fever", "headache"}}, Answer: IllnessReply},
	{Name: "throat", AnyOf: [][]string{{"sore throat"}}, Answer: ThroatReply},
}

// Reply applies DefaultRules to an utterance
func Reply(utterance string) string {
	return Match(DefaultRules, utterance)
}

// Match returns the answer of the first matching rule, or DefaultReply
func Match(rules []Rule, utterance string) string {
	lower := strings.ToLower(utterance)
	for _, r := range rules {
		if r.matches(lower) {
			return r.Answer
		}
	}
	return DefaultReply
}

// Rules is a Responder backed by a local rule table
type Rules struct {
	Table []Rule
}

// Reply implements Responder. It never fails.
func (r Rules) Reply(ctx context.Context, utterance string) (string, error) {
	table := r.Table
	if table == nil {
		table = DefaultRules
	}
	return Match(table, utterance), nil
}
