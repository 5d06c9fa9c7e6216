package engine

import "memini/internal/chat"

// Thread is a capped conversation history. When over the cap the oldest
// messages are dropped two at a time so user/assistant pairs stay aligned.
type Thread struct {
	max  int
	msgs []chat.Message
}

func NewThread(max int) *Thread {
	return &Thread{max: max}
}

func (t *Thread) Append(msgs ...chat.Message) {
	t.msgs = append(t.msgs, msgs...)
	t.trim()
}

func (t *Thread) trim() {
	if t.max <= 0 {
		return
	}
	for len(t.msgs) > t.max {
		drop := 2
		if len(t.msgs) < drop {
			drop = len(t.msgs)
		}
		t.msgs = t.msgs[drop:]
	}
}

// Messages returns a copy of the history.
func (t *Thread) Messages() []chat.Message {
	return append([]chat.Message(nil), t.msgs...)
}

func (t *Thread) Len() int {
	return len(t.msgs)
}

func (t *Thread) Clear() {
	t.msgs = nil
}

func (t *Thread) Replace(msgs []chat.Message) {
	t.msgs = append([]chat.Message(nil), msgs...)
	t.trim()
}
