package dispatch

import (
	"context"
	"errors"
	"testing"
)

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	r := NewRegistry()
	r.Handle("echo", func(ctx *Ctx) (any, error) {
		return ctx.Payload, nil
	})

	result, err := r.Dispatch(&Ctx{Context: context.Background(), Method: "echo", Payload: "hi"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result != "hi" {
		t.Fatalf("result = %v, want hi", result)
	}
}

func TestDispatchUnknownMethodReturnsErrMethodNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(&Ctx{Context: context.Background(), Method: "missing"})
	if !errors.Is(err, ErrMethodNotFound) {
		t.Fatalf("err = %v, want ErrMethodNotFound", err)
	}
}

func TestMiddlewareRunsInOuterToInnerOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.Use(func(next MethodHandler) MethodHandler {
		return func(ctx *Ctx) (any, error) {
			order = append(order, "outer-before")
			result, err := next(ctx)
			order = append(order, "outer-after")
			return result, err
		}
	})
	r.Use(func(next MethodHandler) MethodHandler {
		return func(ctx *Ctx) (any, error) {
			order = append(order, "inner-before")
			result, err := next(ctx)
			order = append(order, "inner-after")
			return result, err
		}
	})
	r.Handle("m", func(ctx *Ctx) (any, error) {
		order = append(order, "handler")
		return nil, nil
	})

	_, _ = r.Dispatch(&Ctx{Context: context.Background(), Method: "m"})

	want := []string{"outer-before", "inner-before", "handler", "inner-after", "outer-after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatchTopicRunsMatchingHandlersMostSpecificFirst(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.On("chat:*", func(ctx *Ctx) error {
		order = append(order, "wildcard")
		return nil
	})
	r.On("chat:room1", func(ctx *Ctx) error {
		order = append(order, "exact")
		return nil
	})

	errs := r.DispatchTopic(&Ctx{Context: context.Background(), Topic: "chat:room1"})
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	if len(order) != 2 || order[0] != "exact" || order[1] != "wildcard" {
		t.Fatalf("order = %v, want [exact wildcard]", order)
	}
}

func TestDispatchTopicSkipsNonMatchingPatterns(t *testing.T) {
	r := NewRegistry()
	called := false
	r.On("chat:room1", func(ctx *Ctx) error {
		called = true
		return nil
	})

	r.DispatchTopic(&Ctx{Context: context.Background(), Topic: "chat:room2"})

	if called {
		t.Fatal("handler for non-matching pattern should not run")
	}
}

func TestDispatchTopicCollectsHandlerErrors(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.On("evt", func(ctx *Ctx) error { return boom })

	errs := r.DispatchTopic(&Ctx{Context: context.Background(), Topic: "evt"})
	if len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Fatalf("errs = %v, want [boom]", errs)
	}
}
