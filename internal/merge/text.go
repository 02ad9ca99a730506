package merge

import "strings"

// mergeContent reconciles two diverged free-text bodies.
//
// If one string is a prefix or suffix extension of the other, the longer
// survives. Otherwise the two are merged line by line, unioning lines that
// appear in either version while preserving relative order. When the line
// sets are too different (Jaccard similarity below cutoff) the texts are
// judged unrelated edits and plain LWW applies.
func mergeContent(local, remote string, remoteWins bool, cutoff float64) string {
	if local == remote {
		return local
	}
	if local == "" {
		return remote
	}
	if remote == "" {
		return local
	}

	longer, shorter := local, remote
	if len(remote) > len(local) {
		longer, shorter = remote, local
	}
	if strings.HasPrefix(longer, shorter) || strings.HasSuffix(longer, shorter) {
		return longer
	}

	localLines := strings.Split(local, "\n")
	remoteLines := strings.Split(remote, "\n")

	if lineSimilarity(localLines, remoteLines) < cutoff {
		if remoteWins {
			return remote
		}
		return local
	}

	return strings.Join(unionLines(localLines, remoteLines), "\n")
}

// lineSimilarity is the Jaccard similarity of the two distinct trimmed line
// sets. Blank lines are ignored so formatting noise doesn't dominate.
func lineSimilarity(a, b []string) float64 {
	setA := lineSet(a)
	setB := lineSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	inter := 0
	for line := range setA {
		if _, ok := setB[line]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

func lineSet(lines []string) map[string]struct{} {
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		set[l] = struct{}{}
	}
	return set
}

// unionLines walks both versions in step, keeping shared lines once and
// interleaving one-sided lines in their original relative order. Local is
// preferred when both sides hold each other's next line further down.
func unionLines(local, remote []string) []string {
	out := make([]string, 0, len(local)+len(remote))
	i, j := 0, 0

	for i < len(local) && j < len(remote) {
		if local[i] == remote[j] {
			out = append(out, local[i])
			i++
			j++
			continue
		}
		if !containsFrom(remote, j, local[i]) {
			out = append(out, local[i])
			i++
			continue
		}
		if !containsFrom(local, i, remote[j]) {
			out = append(out, remote[j])
			j++
			continue
		}
		// Both lines reappear on the other side later; keep local first.
		out = append(out, local[i])
		i++
	}

	out = append(out, local[i:]...)
	for ; j < len(remote); j++ {
		if !contains(out, remote[j]) {
			out = append(out, remote[j])
		}
	}
	return out
}

func containsFrom(lines []string, from int, target string) bool {
	for _, l := range lines[from:] {
		if l == target {
			return true
		}
	}
	return false
}

func contains(lines []string, target string) bool {
	for _, l := range lines {
		if l == target {
			return true
		}
	}
	return false
}
