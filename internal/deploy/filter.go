package deploy

import (
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/github/functions-deploy/pkg/funcname"
)

var chunkSeparator = regexp.MustCompile(`[.-]`)

// ParseFilterGroups turns an --only value such as
// "functions:api.users,hosting,functions:nightly" into name chunk groups,
// here [["api","users"],["nightly"]]. Targets other than functions, and a
// bare "functions", select no group.
func ParseFilterGroups(only string) [][]string {
	if only == "" {
		return nil
	}
	var groups [][]string
	for _, target := range strings.Split(only, ",") {
		parts := strings.Split(target, ":")
		if parts[0] != "functions" || len(parts) < 2 || parts[1] == "" {
			continue
		}
		groups = append(groups, chunkSeparator.Split(parts[1], -1))
	}
	return groups
}

// MatchesAnyGroup reports whether name matches at least one group. With no
// groups every name matches.
func MatchesAnyGroup(name string, groups [][]string) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if MatchesGroup(name, g) {
			return true
		}
	}
	return false
}

// MatchesGroup reports whether the leading "-" chunks of the short name of
// name equal group. "api" matches "api-users" but not "apiextra".
func MatchesGroup(name string, group []string) bool {
	short := funcname.ShortNameOf(name)
	if short == "" {
		return false
	}
	chunks := strings.Split(short, "-")
	if len(chunks) > len(group) {
		chunks = chunks[:len(group)]
	}
	return slices.Equal(group, chunks)
}

// ComputeReleaseSet returns the function names in scope for a deploy.
//
// Without groups the upload names are returned as is, so an unfiltered
// deploy never pulls in functions that only exist remotely. Otherwise the
// union of upload and existing names, uploads first and without
// duplicates, is filtered to names matching a group.
func ComputeReleaseSet(uploadNames, existingNames []string, groups [][]string) []string {
	if len(groups) == 0 {
		return slices.Clone(uploadNames)
	}

	var release []string
	for _, name := range union(uploadNames, existingNames) {
		if MatchesAnyGroup(name, groups) {
			release = append(release, name)
		}
	}
	return release
}

// LogFilters reports the current and uploading functions of a filtered
// deploy and warns about groups that match nothing. It returns the
// unmatched groups joined by "-".
func LogFilters(logger *slog.Logger, existingNames, releaseNames []string, groups [][]string) []string {
	if len(groups) == 0 {
		return nil
	}

	logger.Debug("filtering triggers", "release", releaseNames)
	if len(existingNames) > 0 {
		logger.Info("current functions in project",
			"functions", strings.Join(labels(existingNames), ", "))
	}
	if len(releaseNames) > 0 {
		logger.Info("uploading functions in project",
			"functions", strings.Join(labels(releaseNames), ", "))
	}

	all := union(releaseNames, existingNames)
	var unmatched []string
	for _, g := range groups {
		matched := slices.ContainsFunc(all, func(name string) bool {
			return MatchesGroup(name, g)
		})
		if !matched {
			unmatched = append(unmatched, strings.Join(g, "-"))
		}
	}
	if len(unmatched) > 0 {
		logger.Warn("the following filters were specified but do not match any functions in the project",
			"filters", strings.Join(unmatched, ", "))
	}
	return unmatched
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, name := range list {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

func labels(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = funcname.LabelOf(name)
	}
	return out
}
