package dispatch

import "testing"

func TestQueuedInvocationRoundTrip(t *testing.T) {
	want := queuedInvocation{
		Method:          "publishArr",
		SecretSessionID: "sess-1",
		Units:           []MessageUnit{{Key: "k", Content: []byte("v"), Qos: "<qos/>"}},
		Oneway:          true,
	}
	blob, err := encodeQueuedInvocation(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeQueuedInvocation(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Method != want.Method || got.SecretSessionID != want.SecretSessionID || got.Oneway != want.Oneway {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if len(got.Units) != 1 || got.Units[0].Key != "k" || string(got.Units[0].Content) != "v" {
		t.Fatalf("units mismatch: %+v", got.Units)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStart:   "START",
		StateAlive:   "ALIVE",
		StatePolling: "POLLING",
		StateDead:    "DEAD",
		StateEnd:     "END",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
