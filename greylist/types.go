// Package greylist implements the three database-backed behaviors of
// spec.md §4.4/§4.5: the updater's record handlers (which also promote
// tuples to white) and the scanner's periodic expire/collapse/emit
// pass, built on top of the tuple/white/
// trap row store described in §3.
package greylist

import "time"

// KeyTag discriminates the three shapes a GreyKey can take.
type KeyTag int

const (
	KeyIP KeyTag = iota
	KeyMail
	KeyTuple
)

func (t KeyTag) String() string {
	switch t {
	case KeyIP:
		return "IP"
	case KeyMail:
		return "MAIL"
	case KeyTuple:
		return "TUPLE"
	default:
		return "UNKNOWN"
	}
}

// Key is the tagged-union database key from spec.md §3: either a bare
// address, a bare mail address (used only for spamtrap rows), or the
// full four-field grey tuple.
type Key struct {
	Tag KeyTag

	Addr string // KeyIP
	Mail string // KeyMail

	SrcIP string // KeyTuple
	Helo  string // KeyTuple
	From  string // KeyTuple
	To    string // KeyTuple
}

// IPKey builds an IP-tagged key.
func IPKey(addr string) Key { return Key{Tag: KeyIP, Addr: addr} }

// MailKey builds a MAIL-tagged key.
func MailKey(mail string) Key { return Key{Tag: KeyMail, Mail: mail} }

// TupleKey builds a TUPLE-tagged key.
func TupleKey(srcIP, helo, from, to string) Key {
	return Key{Tag: KeyTuple, SrcIP: srcIP, Helo: helo, From: from, To: to}
}

// Value is the database value from spec.md §3.
//
// PCount of -1 marks a trapped single IP; -2 marks a spam trap
// address (a MAIL row that should never receive legitimate mail).
type Value struct {
	First  time.Time
	Pass   time.Time
	Expire time.Time
	BCount int
	PCount int
}

const (
	// PCountTrapped marks an IP row created because its owner reached
	// a spamtrap address or a low-priority-MX honeypot.
	PCountTrapped = -1
	// PCountSpamtrap marks a MAIL row that is itself a trap address.
	PCountSpamtrap = -2
)

// IsTrap reports whether v represents a trapped (blacklist-worthy)
// row, as opposed to an ordinary grey tuple or white entry.
func (v Value) IsTrap() bool { return v.PCount == PCountTrapped }

// IsSpamtrap reports whether v is a spam trap MAIL row.
func (v Value) IsSpamtrap() bool { return v.PCount == PCountSpamtrap }

// Expired reports whether v's row should be deleted at time now.
// A zero Expire (used for spamtrap MAIL rows) never expires.
func (v Value) Expired(now time.Time) bool {
	return !v.Expire.IsZero() && v.Expire.Before(now)
}
