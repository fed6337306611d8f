package labels

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTokenizeLabels(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"simple", `\Inbox \Important`, []string{`\Inbox`, `\Important`}},
		{"quoted with space", `\Inbox "Work/Project X" Important`, []string{`\Inbox`, "Work/Project X", "Important"}},
		{"parens stripped", `(\Inbox \Sent)`, []string{`\Inbox`, `\Sent`}},
		{"escaped quote in label", `"Say \"Hi\""`, []string{`Say "Hi"`}},
		{"empty", ``, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TokenizeLabels(tc.in)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("TokenizeLabels(%q) mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestToLocalSystemFlagPassthrough(t *testing.T) {
	f, err := ToLocal(`\Seen`, nil)
	if err != nil {
		t.Fatalf("ToLocal: %v", err)
	}
	if f.System != `\Seen` {
		t.Errorf("got %+v, want system flag \\Seen", f)
	}
}

func TestToLocalFixedLabelMapping(t *testing.T) {
	cases := map[string]Flag{
		`\Starred`: SystemFlag(`\Flagged`),
		`\Inbox`:   TagFlag("#inbox"),
		`\Junk`:    TagFlag("#spam"),
		`\Trash`:   TagFlag("#trash"),
		`\Sent`:    TagFlag("#sent"),
		`\Chats`:   TagFlag("#chats"),
	}
	for in, want := range cases {
		got, err := ToLocal(in, nil)
		if err != nil {
			t.Fatalf("ToLocal(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ToLocal(%q) = %+v, want %+v", in, got, want)
		}
	}
}

func TestToLocalImportantDropped(t *testing.T) {
	got, err := ToLocal(`\Important`, nil)
	if err != nil {
		t.Fatalf("ToLocal: %v", err)
	}
	if got != (Flag{}) {
		t.Errorf("ToLocal(\\Important) = %+v, want zero value", got)
	}
}

type fakeKV struct {
	data map[string]any
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string]any{}} }

func (f *fakeKV) Get(ctx context.Context, key string, out any) (bool, error) {
	v, ok := f.data[key]
	if !ok {
		return false, nil
	}
	switch dst := out.(type) {
	case *registryDoc:
		*dst = v.(registryDoc)
	}
	return true, nil
}

func (f *fakeKV) Put(ctx context.Context, key string, value any) error {
	f.data[key] = value
	return nil
}

func TestToLocalUnknownLabelGoesThroughResolver(t *testing.T) {
	store := NewTagStore(newFakeKV())

	f1, err := ToLocal("Work/Project X", store)
	if err != nil {
		t.Fatalf("ToLocal: %v", err)
	}
	if f1.Tag == "" {
		t.Fatalf("expected a tag id, got %+v", f1)
	}

	f2, err := ToLocal("Work/Project X", store)
	if err != nil {
		t.Fatalf("ToLocal second call: %v", err)
	}
	if f1.Tag != f2.Tag {
		t.Errorf("same label resolved to different ids: %q vs %q", f1.Tag, f2.Tag)
	}

	name, ok := store.ReverseLabel(f1.Tag)
	if !ok || name != "Work/Project X" {
		t.Errorf("ReverseLabel(%q) = (%q, %v), want (\"Work/Project X\", true)", f1.Tag, name, ok)
	}
}

func TestTagIDStableAcrossStoreInstances(t *testing.T) {
	backing := newFakeKV()
	store1 := NewTagStore(backing)
	f, err := ToLocal("Finance/Invoices", store1)
	if err != nil {
		t.Fatalf("ToLocal: %v", err)
	}

	store2 := NewTagStore(backing)
	name, ok := store2.ReverseLabel(f.Tag)
	if !ok || name != "Finance/Invoices" {
		t.Errorf("ReverseLabel on fresh store = (%q, %v), want persisted name", name, ok)
	}
}

func TestDecodeMailboxUTF7(t *testing.T) {
	// "Entwürfe" (German for Drafts) encoded in modified UTF-7.
	got, err := DecodeMailboxUTF7("Entw&APw-rfe")
	if err != nil {
		t.Fatalf("DecodeMailboxUTF7: %v", err)
	}
	if got != "Entwürfe" {
		t.Errorf("DecodeMailboxUTF7 = %q, want %q", got, "Entwürfe")
	}
}

func TestToRemoteRoundTrip(t *testing.T) {
	store := NewTagStore(newFakeKV())
	if got := ToRemote(SystemFlag(`\Seen`), store); got != `\Seen` {
		t.Errorf("ToRemote(\\Seen) = %q", got)
	}
	if got := ToRemote(TagFlag("#inbox"), store); got != `\Inbox` {
		t.Errorf("ToRemote(#inbox) = %q, want \\Inbox", got)
	}
}
