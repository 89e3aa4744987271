package ledger

import (
	"fmt"
	"strings"
)

// TrustLevel controls how forgiving admission is for an identity.
type TrustLevel string

const (
	TrustLow    TrustLevel = "LOW"
	TrustMedium TrustLevel = "MEDIUM"
	TrustHigh   TrustLevel = "HIGH"
	TrustLocked TrustLevel = "LOCKED"
)

var trustRank = map[TrustLevel]int{
	TrustLow:    0,
	TrustMedium: 1,
	TrustHigh:   2,
	TrustLocked: 3,
}

func ParseTrustLevel(s string) (TrustLevel, error) {
	level := TrustLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := trustRank[level]; !ok {
		return "", fmt.Errorf("unknown trust level %q", s)
	}
	return level, nil
}

func (t TrustLevel) Valid() bool {
	_, ok := trustRank[t]
	return ok
}

// AllowsSoftMatch reports whether mid-band scores may be admitted.
func (t TrustLevel) AllowsSoftMatch() bool {
	return t != TrustLocked
}
