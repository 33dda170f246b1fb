package mesh

import "testing"

func TestParseLine(t *testing.T) {
	cases := []struct {
		in   string
		want Event
	}{
		{"###ACK-12-0", Event{Type: EventAck, Node: 12, Result: 0, Raw: "###ACK-12-0"}},
		{"###ack 12 3", Event{Type: EventAck, Node: 12, Result: 3, Raw: "###ack 12 3"}},
		{"###STATUS-7-1", Event{Type: EventStatus, Node: 7, Result: 1, Raw: "###STATUS-7-1"}},
		{"###TIMEOUT-3", Event{Type: EventTimeout, Node: 3, Raw: "###TIMEOUT-3"}},
		{"###PEND-3", Event{Type: EventPending, Node: 3, Raw: "###PEND-3"}},
		{"###ERR-3", Event{Type: EventError, Node: 3, Raw: "###ERR-3"}},
		{"hello MASTER> ", Event{Type: EventPrompt, Raw: "hello MASTER> "}},
		{"garbage line", Event{Type: EventOther, Raw: "garbage line"}},
	}

	for _, c := range cases {
		got := ParseLine(c.in)
		if got != c.want {
			t.Errorf("ParseLine(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestParseLinePromptTakesPriority(t *testing.T) {
	// A line that happens to contain both a prompt token and something
	// that looks like a response must still be classified as a prompt:
	// the gateway only ever emits one per line in practice, but the
	// parser's contract is "prompt wins" regardless.
	got := ParseLine("###ACK-1-0 MASTER>")
	if got.Type != EventPrompt {
		t.Fatalf("got %v, want EventPrompt", got.Type)
	}
}
