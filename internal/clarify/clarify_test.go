package clarify

import (
	"context"
	"errors"
	"testing"
	"time"

	"cryocore/pkg/domain"
)

func TestAskAnswer(t *testing.T) {
	var seen []string
	b := NewBroker(WithObserver(func(p *Pending) { seen = append(seen, p.ID) }))
	p, err := b.Ask([]Question{{Header: "Box", Question: "Which box?", Options: []string{"1", "2"}}})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(seen) != 1 || seen[0] != p.ID {
		t.Fatalf("observer not notified")
	}
	if cur, ok := b.Current(); !ok || cur != p {
		t.Fatalf("expected pending round")
	}

	go func() { _ = b.Answer(p.ID, []string{"2"}) }()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	answers, err := p.Wait(ctx)
	if err != nil || len(answers) != 1 || answers[0] != "2" {
		t.Fatalf("unexpected answer %v %v", answers, err)
	}
	if _, ok := b.Current(); ok {
		t.Fatalf("answered round should clear the slot")
	}
	if err := b.Answer(p.ID, nil); err == nil {
		t.Fatalf("expected error answering twice")
	}
}

func TestCancelAndReplace(t *testing.T) {
	b := NewBroker()
	first, _ := b.Ask([]Question{{Header: "h", Question: "q"}})
	second, _ := b.Ask([]Question{{Header: "h", Question: "again"}})

	ctx := context.Background()
	if _, err := first.Wait(ctx); domain.CodeOf(err) != domain.CodeQuestionCancelled {
		t.Fatalf("replaced round should be cancelled, got %v", err)
	}
	if err := b.Cancel(second.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := second.Wait(ctx); domain.CodeOf(err) != domain.CodeQuestionCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if err := b.Cancel(second.ID); err == nil {
		t.Fatalf("expected error cancelling a resolved round")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	b := NewBroker()
	p, _ := b.Ask([]Question{{Header: "h", Question: "q"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	select {
	case <-p.Done():
		t.Fatalf("context cancellation must not resolve the round")
	default:
	}
}

func TestAskValidation(t *testing.T) {
	b := NewBroker()
	if _, err := b.Ask(nil); domain.CodeOf(err) != domain.CodeNoQuestions {
		t.Fatalf("expected no_questions, got %v", err)
	}
	if _, err := b.Ask([]Question{{Header: "h"}}); domain.CodeOf(err) != domain.CodeInvalidToolInput {
		t.Fatalf("expected invalid_tool_input, got %v", err)
	}
}
