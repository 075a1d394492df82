package main

import (
	"fmt"
	"strconv"
)

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("expected a positive integer, got %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("expected a positive integer, got %d", n)
	}
	return n, nil
}
