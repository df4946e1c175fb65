package scraper

import (
	"errors"
	"fmt"
)

// Kind classifies scraper failures.
type Kind string

const (
	// KindBotDetected means the target served an anti-bot or verification page.
	KindBotDetected Kind = "BotDetected"
	// KindChromeError means the browser landed on an internal error page.
	KindChromeError Kind = "ChromeError"
	// KindOther covers every other failure, including recovered panics.
	KindOther Kind = "Other"
)

// Error is the tagged failure returned by scrapers. Retryable is the only
// field the orchestration layer consults when deciding to retry.
type Error struct {
	Kind      Kind
	Retryable bool
	URL       string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.URL != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.URL)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BotDetected builds the non-retryable bot-detection failure.
func BotDetected(url string) *Error {
	return &Error{Kind: KindBotDetected, Retryable: false, URL: url}
}

// ChromeError builds a retryable browser error-page failure.
func ChromeError(url string) *Error {
	return &Error{Kind: KindChromeError, Retryable: true, URL: url}
}

// Other wraps err as a retryable generic failure.
func Other(url string, err error) *Error {
	return &Error{Kind: KindOther, Retryable: true, URL: url, Err: err}
}

// IsRetryable reports whether err may be retried. Untagged errors are
// treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// KindOf returns the failure kind, KindOther for untagged errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}
