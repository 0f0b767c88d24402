package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeNotFound struct{ msg string }

func (e *fakeNotFound) Error() string  { return e.msg }
func (e *fakeNotFound) NotFound() bool { return true }

type fakeOther struct{ msg string }

func (e *fakeOther) Error() string { return e.msg }

func TestWithFirstRequestRetry_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	ctx := context.Background()
	err := WithFirstRequestRetry(ctx, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &fakeNotFound{"not found yet"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithFirstRequestRetry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithFirstRequestRetry_NonRetriableFailsImmediately(t *testing.T) {
	calls := 0
	ctx := context.Background()
	wantErr := &fakeOther{"boom"}
	err := WithFirstRequestRetry(ctx, func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) && err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for non-404 errors)", calls)
	}
}

func TestWithFirstRequestRetry_CancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := WithFirstRequestRetry(ctx, func(ctx context.Context) error {
		calls++
		return &fakeNotFound{"still not found"}
	})
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
}
