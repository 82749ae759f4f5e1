// Package cli holds helpers shared by the wrm subcommands.
package cli

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/spf13/pflag"
)

// maxSuggestionDistance is the max edit distance for "did you mean" suggestions
const maxSuggestionDistance = 3

// UnknownCommandError returns an error for an unknown command with a
// "did you mean" suggestion if a close match is found.
func UnknownCommandError(unknown string, validCommands []string) error {
	if best := findClosest(unknown, validCommands); best != "" {
		return fmt.Errorf("unknown command: %s (did you mean %q?)", unknown, best)
	}
	return fmt.Errorf("unknown command: %s", unknown)
}

// SuggestFlag adds a "did you mean" hint to pflag's unknown flag error when
// fs defines a similar long flag. Other errors are returned unchanged.
func SuggestFlag(err error, fs *pflag.FlagSet) error {
	if err == nil {
		return nil
	}
	name, ok := strings.CutPrefix(err.Error(), "unknown flag: --")
	if !ok {
		return err
	}

	var names []string
	fs.VisitAll(func(f *pflag.Flag) { names = append(names, f.Name) })
	if best := findClosest(name, names); best != "" {
		return fmt.Errorf("%w (did you mean --%s?)", err, best)
	}
	return err
}

// findClosest returns the closest match from candidates, or empty if none are close enough.
func findClosest(input string, candidates []string) string {
	var best string
	bestDist := maxSuggestionDistance + 1
	for _, c := range candidates {
		if dist := levenshtein.ComputeDistance(input, c); dist < bestDist {
			bestDist, best = dist, c
		}
	}
	return best
}
