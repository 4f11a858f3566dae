package stock

import (
	"strings"

	"github.com/pkg/errors"
)

// Strategy names how a decrease gains access to the stock record.
type Strategy string

const (
	Unsynchronized Strategy = "unsynchronized"
	Exclusive      Strategy = "exclusive"
	Shared         Strategy = "shared"
	Optimistic     Strategy = "optimistic"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{Unsynchronized, Exclusive, Shared, Optimistic}

func ParseStrategy(s string) (Strategy, error) {
	switch strategy := Strategy(strings.ToLower(strings.TrimSpace(s))); strategy {
	case Unsynchronized, Exclusive, Shared, Optimistic:
		return strategy, nil
	default:
		return "", errors.Errorf("invalid strategy %q", s)
	}
}

func (s Strategy) String() string {
	return string(s)
}
