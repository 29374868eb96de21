package utils

import (
	"context"
	"fmt"
	"time"
)

// SleepContext sleeps for given duration. If the context closes in the
// meantime, it returns immediately with a context.Canceled error.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Canceled
	case <-t.C:
		return nil
	}
}

// IsCanceled checks if the context has been canceled.
func IsCanceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// DisplayASCII represents raw client input as ascii if it only contains safe
// ascii characters. If it contains unsafe characters, these are replaced by
// '.' and a hex representation is added to the output.
// Input longer than max bytes is cut off and marked with "...".
func DisplayASCII(b []byte, max int) string {
	suffix := ""
	if max > 0 && len(b) > max {
		b = b[:max]
		suffix = "..."
	}
	ret := make([]byte, len(b))
	unsafe := false
	for i, ch := range b {
		if ch < 32 || ch > 126 {
			ret[i] = '.'
			unsafe = true
		} else {
			ret[i] = ch
		}
	}
	if unsafe || len(b) == 0 {
		return fmt.Sprintf("%s%s [% 0x]", string(ret), suffix, b)
	}
	return string(ret) + suffix
}

// TimeDiff returns the difference between two times, rounded to milliseconds.
func TimeDiff(t1, t0 time.Time) time.Duration {
	return t1.Sub(t0).Round(time.Millisecond)
}
