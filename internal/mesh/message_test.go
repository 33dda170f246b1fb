package mesh

import "testing"

func TestMessageLine(t *testing.T) {
	cases := []struct {
		msg  *Message
		want string
	}{
		{NewMessage(12, "authping"), "authping 12"},
		{NewMessage(0, "reset_routes", "0:4,7:4"), "reset_routes 0 0:4,7:4"},
		{NewMessage(5, "led", "1", "2", "3"), "led 5 1 2 3"},
	}
	for _, c := range cases {
		if got := c.msg.Line(); got != c.want {
			t.Errorf("Line() = %q, want %q", got, c.want)
		}
	}
}
