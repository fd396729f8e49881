package supervisor

import (
	"fmt"

	"github.com/google/shlex"
)

// SplitWords breaks a configured command string into POSIX-style words.
// Process and scenario commands come from user configuration, so quoted
// arguments must survive intact.
func SplitWords(command string) ([]string, error) {
	words, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("malformed command %q: %w", command, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return words, nil
}
