// Package failure holds the send-failure taxonomy shared by the provider
// manager, the delivery worker and the DLQ. The retry decision is a pure
// function of the Class.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"syscall"
)

// Class is one tag of the fixed failure taxonomy.
type Class string

const (
	AuthError         Class = "auth_error"
	InvalidRecipient  Class = "invalid_recipient"
	MailboxFull       Class = "mailbox_full"
	ContentBlocked    Class = "content_blocked"
	ConnectionTimeout Class = "connection_timeout"
	RateLimited       Class = "rate_limited"
	TemplateError     Class = "template_error"
	SystemError       Class = "system_error"
	Unknown           Class = "unknown"
)

// Outcome is the retry verdict for a send.
type Outcome int

const (
	OK Outcome = iota
	Retryable
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Permanent reports whether a failure of this class must never be retried.
func (c Class) Permanent() bool {
	switch c {
	case InvalidRecipient, MailboxFull, ContentBlocked, TemplateError:
		return true
	}
	return false
}

// Outcome maps the class to its retry verdict.
func (c Class) Outcome() Outcome {
	if c.Permanent() {
		return Permanent
	}
	return Retryable
}

// CountsAgainstProvider reports whether the failure reflects on the provider
// itself. Recipient and content failures say nothing about provider health.
func (c Class) CountsAgainstProvider() bool {
	switch c {
	case InvalidRecipient, MailboxFull, ContentBlocked, TemplateError:
		return false
	}
	return true
}

// OutcomeOf returns OK for a nil error and the class verdict otherwise.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OK
	}
	return Classify(err).Outcome()
}

// Error is a classified send failure.
type Error struct {
	Class    Class
	Provider string
	Code     int
	Err      error
}

// New returns a classified error with a plain message.
func New(class Class, msg string) *Error {
	return &Error{Class: class, Err: errors.New(msg)}
}

// Wrap classifies err for provider. A nil err yields nil.
func Wrap(class Class, provider string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Provider: provider, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Provider != "" {
		fmt.Fprintf(&b, " [%s]", e.Provider)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (%d)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the class of err. Classified errors keep their class;
// timeouts and refused connections become ConnectionTimeout; anything else
// is a SystemError. Error text is never inspected here: an internal error
// that mentions a template or a missing relation is still a system fault.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	if c, ok := classifyTyped(err); ok {
		return c
	}
	return SystemError
}

// ClassifyProvider is Classify for errors returned by a provider SDK or
// SMTP server, whose text carries the recipient or content verdict.
func ClassifyProvider(err error) Class {
	if err == nil {
		return ""
	}
	if c, ok := classifyTyped(err); ok {
		return c
	}
	return ClassifyMessage(err.Error())
}

func classifyTyped(err error) (Class, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class, true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return ConnectionTimeout, true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ConnectionTimeout, true
	}
	return "", false
}

var (
	// enhanced status code (RFC 3463) as a whole token
	enhancedCode = regexp.MustCompile(`(?:^|[^\d.])([245])\.(\d{1,3})\.(\d{1,3})\b`)
	// basic reply code at the start of the text or of a wrapped segment
	replyCode    = regexp.MustCompile(`(?:^|: )([245]\d\d)(?:[ -]|$)`)
)

// enhancedRules is keyed by the subject.detail part of an enhanced code.
var enhancedRules = map[string]Class{
	"1.1":  InvalidRecipient,
	"1.2":  InvalidRecipient,
	"1.3":  InvalidRecipient,
	"1.10": InvalidRecipient,
	"2.1":  InvalidRecipient,
	"2.2":  MailboxFull,
	"7.1":  ContentBlocked,
	"7.8":  AuthError,
}

var replyRules = map[string]Class{
	"421": RateLimited,
	"450": RateLimited,
	"451": RateLimited,
	"452": MailboxFull,
	"530": AuthError,
	"534": AuthError,
	"535": AuthError,
	"550": InvalidRecipient,
	"551": InvalidRecipient,
	"552": MailboxFull,
	"553": InvalidRecipient,
	"554": ContentBlocked,
}

var messageRules = []struct {
	class    Class
	patterns []string
}{
	{MailboxFull, []string{"mailbox full", "mailbox is full", "over quota", "quota exceeded", "insufficient storage"}},
	{InvalidRecipient, []string{"user unknown", "no such user", "invalid recipient", "invalid email",
		"mailbox does not exist", "address does not exist", "recipient rejected", "bad-mailbox", "bad-domain"}},
	{ContentBlocked, []string{"spam", "blocked by", "message blocked", "content rejected", "policy violation",
		"blacklist", "blocklist"}},
	{AuthError, []string{"unauthorized", "authentication failed", "invalid api key", "forbidden", "credentials"}},
	{RateLimited, []string{"rate limit", "too many requests", "throttl", "try again later"}},
	{ConnectionTimeout, []string{"timeout", "timed out", "connection refused", "connection reset",
		"unexpected eof", "no route to host"}},
	{TemplateError, []string{"liquid"}},
	{SystemError, []string{"internal server error", "service unavailable", "bad gateway"}},
}

// ClassifyMessage maps provider or SMTP error text onto the taxonomy.
// Enhanced status codes win over basic reply codes, which win over wording.
func ClassifyMessage(msg string) Class {
	lower := strings.ToLower(strings.TrimSpace(msg))
	if m := enhancedCode.FindStringSubmatch(lower); m != nil {
		if c, ok := enhancedRules[m[2]+"."+m[3]]; ok {
			return c
		}
	}
	if m := replyCode.FindStringSubmatch(lower); m != nil {
		if c, ok := replyRules[m[1]]; ok {
			return c
		}
	}
	for _, rule := range messageRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return rule.class
			}
		}
	}
	return Unknown
}

// FromHTTPStatus classifies an HTTP API response from a provider. The body
// refines 4xx answers that carry a recipient or content verdict.
func FromHTTPStatus(provider string, status int, body string) *Error {
	if status >= 200 && status < 300 {
		return nil
	}
	class := SystemError
	switch {
	case status == 401 || status == 403:
		class = AuthError
	case status == 429:
		class = RateLimited
	case status == 408 || status == 504:
		class = ConnectionTimeout
	case status >= 400 && status < 500:
		if c := ClassifyMessage(body); c != Unknown {
			class = c
		} else {
			class = InvalidRecipient
		}
	}
	return &Error{Class: class, Provider: provider, Code: status, Err: fmt.Errorf("%s", strings.TrimSpace(body))}
}
