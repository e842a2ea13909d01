package roomchat

// DedupPolicy reports whether candidate duplicates an existing timeline entry.
type DedupPolicy func(existing, candidate Message) bool

// DedupSenderContent treats two messages as the same when they have the same
// sender and identical content. Message ids are ignored, so a user who sends
// the same text twice sees it once.
func DedupSenderContent(existing, candidate Message) bool {
	return existing.SenderID == candidate.SenderID && existing.Content == candidate.Content
}

// DedupCorrelation matches on the client correlation id when both messages
// carry one, then on the server message id, and only falls back to
// DedupSenderContent when neither id is available on both sides.
func DedupCorrelation(existing, candidate Message) bool {
	if existing.ClientID != "" && candidate.ClientID != "" {
		return existing.ClientID == candidate.ClientID
	}
	if !existing.ID.IsZero() && !candidate.ID.IsZero() {
		return existing.ID == candidate.ID
	}
	return DedupSenderContent(existing, candidate)
}
