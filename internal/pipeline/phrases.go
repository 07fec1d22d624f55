package pipeline

// Canonical phrases spoken from the TTS cache. They are warmed at startup so
// that greeting, silence, and failure paths never depend on a live
// synthesiser.
const (
	// PhraseGreeting opens every call. It carries the required notice that
	// the call is handled by an automated system.
	PhraseGreeting = "Welcome to the tyre shop. This call is handled by an automated assistant. How can I help you today?"

	// PhraseSilence is played after the first silence timeout.
	PhraseSilence = "Are you still there?"

	// PhraseHold covers a one-off synthesis failure.
	PhraseHold = "One moment, please."

	// PhraseTransfer announces an operator transfer.
	PhraseTransfer = "One moment please, I am transferring you to a colleague."

	// PhraseTechnicalIssue is played when the pipeline cannot continue.
	PhraseTechnicalIssue = "I am sorry, we are experiencing a technical problem. Please call again later."

	// PhraseFarewell closes a call the system ends itself.
	PhraseFarewell = "Thank you for calling. Goodbye."
)

// CachePhrases returns every canonical phrase, in warming order.
func CachePhrases() []string {
	return []string{
		PhraseGreeting,
		PhraseSilence,
		PhraseHold,
		PhraseTransfer,
		PhraseTechnicalIssue,
		PhraseFarewell,
	}
}
