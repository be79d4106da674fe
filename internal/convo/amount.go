package convo

import (
	"errors"
	"strconv"
	"strings"
)

var errBadAmount = errors.New("amount must be a positive whole number")

// ParseAmount accepts only a positive base-10 integer of minor units.
func ParseAmount(text string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || v <= 0 {
		return 0, errBadAmount
	}
	return v, nil
}
