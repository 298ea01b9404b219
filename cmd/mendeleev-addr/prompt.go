package main

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/elementbus/mendeleev-master/internal/protocol"
)

// stdinPrompt asks on stdout for the next address to assign, defaulting to
// next and naming the element being assigned.
func stdinPrompt(r *bufio.Reader) func(ctx context.Context, next byte) (byte, error) {
	return func(ctx context.Context, next byte) (byte, error) {
		fmt.Printf("touch the element to assign address %d (%s) [%d]: ", next, protocol.ElementName(next), next)
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return next, nil
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 0 || n > 255 {
			return 0, fmt.Errorf("invalid address %q", line)
		}
		return byte(n), nil
	}
}
