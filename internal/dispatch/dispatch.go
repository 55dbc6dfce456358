// Package dispatch maps request tokens to handlers and formats replies.
package dispatch

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"agentnet/internal/agenterr"
)

const (
	// MaxNameLength bounds tokens and agent names.
	MaxNameLength = 40
	// DefaultMaxEntries is the table capacity.
	DefaultMaxEntries = 100

	ReplyOK  = "[OK]"
	ReplyNOK = "[NOK]"
)

// Handler runs one request. It writes its output to out and returns a
// non-negative status on success.
type Handler[R any] interface {
	Invoke(request string, out *bytes.Buffer, rt R) (int, error)
}

// BoundFunc is a handler that already closes over the runtime it serves.
type BoundFunc[R any] func(request string, out *bytes.Buffer) (int, error)

func (f BoundFunc[R]) Invoke(request string, out *bytes.Buffer, _ R) (int, error) {
	return f(request, out)
}

// Func is a free function that is handed the runtime on each call.
type Func[R any] func(request string, out *bytes.Buffer, rt R) (int, error)

func (f Func[R]) Invoke(request string, out *bytes.Buffer, rt R) (int, error) {
	return f(request, out, rt)
}

// Entry is one registered request.
type Entry[R any] struct {
	Token       string     `json:"token"`
	Synopsis    string     `json:"synopsis"`
	Description string     `json:"description"`
	Handler     Handler[R] `json:"-"`
}

// Table is filled during setup and read by the request loop. Lookups take
// a read lock so late registrations are safe.
type Table[R any] struct {
	mu      sync.RWMutex
	entries []Entry[R]
	max     int
	log     zerolog.Logger
}

// NewTable creates a table holding at most max entries.
func NewTable[R any](max int, log zerolog.Logger) *Table[R] {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Table[R]{max: max, log: log}
}

// Register appends a request. Tokens are truncated to MaxNameLength. A
// duplicate token is accepted but never reached: lookup returns the first
// match.
func (t *Table[R]) Register(token string, h Handler[R], synopsis, description string) error {
	if len(token) > MaxNameLength {
		token = token[:MaxNameLength]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.max {
		return agenterr.Wrap(agenterr.ErrRequestCount, "registering %q", token)
	}
	for _, e := range t.entries {
		if e.Token == token {
			t.log.Warn().Str("token", token).Msg("Duplicate request token is shadowed by earlier registration")
			break
		}
	}
	t.entries = append(t.entries, Entry[R]{
		Token:       token,
		Synopsis:    synopsis,
		Description: description,
		Handler:     h,
	})
	return nil
}

// Lookup returns the first entry registered under token.
func (t *Table[R]) Lookup(token string) (Entry[R], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Token == token {
			return e, true
		}
	}
	return Entry[R]{}, false
}

// Entries returns the table in registration order.
func (t *Table[R]) Entries() []Entry[R] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry[R](nil), t.entries...)
}

// Len returns the number of entries.
func (t *Table[R]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Token extracts the leading request word: everything up to the first
// space or NUL, at most MaxNameLength bytes.
func Token(request string) string {
	end := strings.IndexAny(request, " \x00")
	if end < 0 {
		end = len(request)
	}
	if end > MaxNameLength {
		end = MaxNameLength
	}
	return request[:end]
}

// Result describes one dispatched request.
type Result struct {
	Token  string
	Status int
	Err    error
	Found  bool
}

// Dispatch runs the handler for raw and returns the reply datagram: the
// handler output followed by ReplyOK, or ReplyNOK when the token is unknown
// or the handler fails.
func (t *Table[R]) Dispatch(raw []byte, rt R) ([]byte, Result) {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	request := string(raw)
	res := Result{Token: Token(request)}

	entry, ok := t.Lookup(res.Token)
	if !ok {
		res.Status = int(agenterr.ErrUnknownRequest.Code)
		res.Err = agenterr.Wrap(agenterr.ErrUnknownRequest, "token %q", res.Token)
		return []byte(ReplyNOK), res
	}
	res.Found = true

	var out bytes.Buffer
	n, err := entry.Handler.Invoke(request, &out, rt)
	res.Status = n
	if err != nil || n < 0 {
		if err == nil {
			err = agenterr.Wrap(agenterr.ErrRequest, "%s returned %d", res.Token, n)
		}
		res.Err = err
		return []byte(ReplyNOK), res
	}
	out.WriteString(ReplyOK)
	return out.Bytes(), res
}
