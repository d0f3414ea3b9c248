package command

import (
	"fmt"
	"strings"
)

// Kind is the closed set of commands the proxy understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreate
	KindWrite
	KindPS
	KindKill
	KindQuit
)

var kindNames = [...]string{
	KindUnknown: "unknown",
	KindCreate:  "create",
	KindWrite:   "write",
	KindPS:      "ps",
	KindKill:    "kill",
	KindQuit:    "quit",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds lists every valid kind, in protocol order.
func Kinds() []Kind { return []Kind{KindCreate, KindWrite, KindPS, KindKill, KindQuit} }

// ParseKind accepts a kind name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds() {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: unknown command %q", ErrMalformedCommand, s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
