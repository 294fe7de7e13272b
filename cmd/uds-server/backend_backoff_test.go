package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"testing"
	"time"
)

func TestRXPumpBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) < 8 {
			seen = append(seen, d)
			if len(seen) == 8 {
				cancel()
			}
		}
	}
	defer func() { sleepFn = time.Sleep }()

	rxPump{
		backend:  "test",
		errLabel: "test_read",
		read:     func() error { return io.ErrNoProgress },
	}.run(ctx, testLogger())

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{
		rxBackoffMin, 2 * rxBackoffMin, 4 * rxBackoffMin, 8 * rxBackoffMin,
		16 * rxBackoffMin, rxBackoffMax, rxBackoffMax, rxBackoffMax,
	}
	if len(seen) != len(want) {
		t.Fatalf("got %d backoff samples, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("backoff[%d]=%v want %v (all: %v)", i, seen[i], want[i], seen)
		}
	}
}

func TestRXPumpResetsBackoffAfterSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	script := []error{io.ErrNoProgress, io.ErrNoProgress, nil, io.ErrNoProgress}
	var seen []time.Duration
	sleepFn = func(d time.Duration) { seen = append(seen, d) }
	defer func() { sleepFn = time.Sleep }()

	i := 0
	rxPump{
		backend:  "test",
		errLabel: "test_read",
		read: func() error {
			if i == len(script) {
				cancel()
				return nil
			}
			err := script[i]
			i++
			return err
		},
	}.run(ctx, testLogger())

	want := []time.Duration{rxBackoffMin, 2 * rxBackoffMin, rxBackoffMin}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("backoff %v want %v", seen, want)
	}
}

func TestRXPumpVerdicts(t *testing.T) {
	stop := errors.New("gone")
	calls := 0
	slept := false
	sleepFn = func(time.Duration) { slept = true }
	defer func() { sleepFn = time.Sleep }()

	rxPump{
		backend:  "test",
		errLabel: "test_read",
		read: func() error {
			calls++
			if calls < 3 {
				return io.EOF
			}
			return stop
		},
		classify: func(err error) rxVerdict {
			if errors.Is(err, stop) {
				return rxStop
			}
			return rxIgnore
		},
	}.run(context.Background(), testLogger())

	if calls != 3 {
		t.Fatalf("expected pump to stop on third read, got %d reads", calls)
	}
	if slept {
		t.Fatalf("ignored and terminal errors must not back off")
	}
}

func TestClassifySerialErr(t *testing.T) {
	cases := []struct {
		err  error
		want rxVerdict
	}{
		{io.EOF, rxIgnore},
		{io.ErrUnexpectedEOF, rxIgnore},
		{&fs.PathError{Op: "read", Path: "/dev/ttyUSB0", Err: errors.New("no such device")}, rxStop},
		{io.ErrNoProgress, rxRetry},
	}
	for _, tc := range cases {
		if got := classifySerialErr(tc.err); got != tc.want {
			t.Fatalf("classifySerialErr(%v)=%d want %d", tc.err, got, tc.want)
		}
	}
}
