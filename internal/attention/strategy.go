package attention

import (
	"fmt"
	"strings"
)

// Strategy selects how unpadded attention is evaluated. It is always chosen
// by configuration, never by probing the host.
type Strategy int

const (
	// StrategyVarlen walks the cu_seqlens blocks of the packed tensor directly.
	StrategyVarlen Strategy = iota
	// StrategyPadded re-pads each sequence to max_len, runs dense masked
	// attention and re-packs the result. Slower, numerically equivalent.
	StrategyPadded
)

var strategyNames = map[Strategy]string{
	StrategyVarlen: "varlen",
	StrategyPadded: "padded",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps a configuration string to a Strategy. The empty string
// selects StrategyVarlen.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "varlen", "unpadded":
		return StrategyVarlen, nil
	case "padded", "dense":
		return StrategyPadded, nil
	default:
		return 0, fmt.Errorf("unknown attention strategy %q (want varlen or padded)", s)
	}
}

func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := strategyNames[s]; !ok {
		return nil, fmt.Errorf("invalid attention strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	v, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
