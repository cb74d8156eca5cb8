package dispatch

import "testing"

func TestRouterLookupByIDThenDefault(t *testing.T) {
	r := newRouter()
	specific := func(u MessageUnit) (string, error) { return "specific", nil }
	fallback := func(u MessageUnit) (string, error) { return "fallback", nil }

	if _, ok := r.lookup("sub-1"); ok {
		t.Fatal("expected no handler before any registration")
	}

	r.setDefault(fallback)
	h, ok := r.lookup("sub-1")
	if !ok {
		t.Fatal("expected the default handler to be found")
	}
	if ack, _ := h(MessageUnit{}); ack != "fallback" {
		t.Fatalf("got %q, want fallback", ack)
	}

	r.put("sub-1", specific)
	h, ok = r.lookup("sub-1")
	if !ok {
		t.Fatal("expected a handler")
	}
	if ack, _ := h(MessageUnit{}); ack != "specific" {
		t.Fatalf("got %q, want specific (registered id takes priority over default)", ack)
	}

	r.remove("sub-1")
	h, ok = r.lookup("sub-1")
	if !ok || func() string { a, _ := h(MessageUnit{}); return a }() != "fallback" {
		t.Fatal("expected fallback to be found again after removing the specific handler")
	}
}

func TestExtractSubscriptionID(t *testing.T) {
	cases := []struct {
		qos  string
		want string
	}{
		{"<qos><subscribe id='abc123'/></qos>", "abc123"},
		{"<qos/>", ""},
		{"<qos><subscribe id=''/></qos>", ""},
	}
	for _, c := range cases {
		if got := extractSubscriptionID(c.qos); got != c.want {
			t.Errorf("extractSubscriptionID(%q) = %q, want %q", c.qos, got, c.want)
		}
	}
}

func TestRouterClearRemovesDefaultToo(t *testing.T) {
	r := newRouter()
	r.setDefault(func(u MessageUnit) (string, error) { return "x", nil })
	r.put("a", func(u MessageUnit) (string, error) { return "y", nil })
	r.clear()
	if _, ok := r.lookup("a"); ok {
		t.Fatal("expected no handler to be found after clear")
	}
}
