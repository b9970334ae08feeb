package delivery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/suPer8Hu/chunkflow/internal/ai"
)

func TestSanitizeLeadIn(t *testing.T) {
	cases := map[string]string{
		`Here's a transition: That makes a lot of sense.`:                 "That makes a lot of sense.",
		`"That makes a lot of sense."`:                                    "That makes a lot of sense.",
		`Assistant: It's good you noticed that.`:                          "It's good you noticed that.",
		`Sure! Here is a smooth transition: **Let's build on that.**`:     "Let's build on that.",
		"One.  Two!\n\nThree? Four.":                                      "One. Two!",
		`Lead-in: Thanks for staying with it.`:                            "Thanks for staying with it.",
		`   `:                                                             "",
		`I hear you, and that's a real insight. Let's keep going. Extra.`: "I hear you, and that's a real insight. Let's keep going.",
	}
	for in, want := range cases {
		if got := sanitizeLeadIn(in); got != want {
			t.Errorf("sanitizeLeadIn(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLeadIn_UsesLastRecordAndPreview(t *testing.T) {
	llm := &fakeProvider{reply: "Transition: Thank you for that honest answer."}
	g := NewLeadInGenerator(llm, time.Second)

	upcoming := strings.Repeat("x", 500)
	out := g.Generate(context.Background(), &ResponseRecord{SessionID: "s", UserReply: "I felt calm", AssistantReply: "ack"}, upcoming)
	if out != "Thank you for that honest answer." {
		t.Fatalf("unexpected lead-in %q", out)
	}

	if llm.callCount() != 1 {
		t.Fatalf("expected one llm call, got %d", llm.callCount())
	}
	call := llm.calls[0]
	if len(call) != 2 || call[0].Role != ai.RoleSystem {
		t.Fatalf("unexpected prompt %+v", call)
	}
	prompt := call[1].Content
	if !strings.Contains(prompt, "I felt calm") {
		t.Fatalf("prompt misses the user reply: %q", prompt)
	}
	if !strings.Contains(prompt, strings.Repeat("x", leadInPreviewRunes)+"...") ||
		strings.Contains(prompt, strings.Repeat("x", leadInPreviewRunes+1)) {
		t.Fatalf("preview not truncated to %d runes", leadInPreviewRunes)
	}
}

func TestLeadIn_FailuresYieldEmpty(t *testing.T) {
	last := &ResponseRecord{SessionID: "s", UserReply: "hi"}
	failing := NewLeadInGenerator(&fakeProvider{err: errBoom}, time.Second)

	cases := map[string]func() string{
		"provider error": func() string { return failing.Generate(context.Background(), last, "next") },
		"blank reply": func() string {
			return NewLeadInGenerator(&fakeProvider{reply: "   "}, time.Second).Generate(context.Background(), last, "next")
		},
		"timeout": func() string {
			return NewLeadInGenerator(&fakeProvider{reply: "late", delay: time.Second}, 20*time.Millisecond).Generate(context.Background(), last, "next")
		},
		"no record":   func() string { return failing.Generate(context.Background(), nil, "next") },
		"no provider": func() string { return NewLeadInGenerator(nil, 0).Generate(context.Background(), last, "next") },
	}
	for name, gen := range cases {
		if got := gen(); got != "" {
			t.Errorf("%s: expected empty lead-in, got %q", name, got)
		}
	}
}

type panicProvider struct{}

func (panicProvider) Chat(context.Context, []ai.Message) (string, error) { panic("provider bug") }

func TestLeadIn_PanicYieldsEmpty(t *testing.T) {
	g := NewLeadInGenerator(panicProvider{}, time.Second)
	if got := g.Generate(context.Background(), &ResponseRecord{SessionID: "s"}, "next"); got != "" {
		t.Fatalf("expected empty lead-in, got %q", got)
	}
}
