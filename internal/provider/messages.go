package provider

// BuildMessages assembles the messages for one model call: the system
// instruction first when it is non-empty, then exactly one user message.
func BuildMessages(system, user string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	return append(msgs, Message{Role: RoleUser, Content: user})
}
