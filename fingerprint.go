package graderouter

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// FingerprintSchema is mixed into every fingerprint. Bump it when the
// normalization rules or the Result layout change.
const FingerprintSchema = "v1"

const unitSep = "\x1f"

// Fingerprint returns the cache key of a request. Two requests with the same
// group, item, normalized answers and skill tags share a fingerprint.
func Fingerprint(req GradingRequest) string {
	d := xxhash.New()
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.WriteString(unitSep)
	}

	write(FingerprintSchema)
	write(req.GroupID)
	write(strconv.Itoa(req.ItemIndex))
	write(normalize(req.CandidateAnswer))
	write(normalize(req.ReferenceAnswer))
	for _, tag := range normalizedTags(req.SkillTags) {
		write(tag)
	}

	return fmt.Sprintf("%016x", d.Sum64())
}

// classifyKey hashes every input the classifier reads.
func classifyKey(req GradingRequest) uint64 {
	d := xxhash.New()
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.WriteString(unitSep)
	}

	write(string(req.AnswerType))
	write(strconv.Itoa(len(req.AnswerOptions)))
	write(strconv.FormatUint(math.Float64bits(req.DetectionConfidence), 16))
	write(strconv.FormatBool(req.CrossValidated))
	write(strconv.FormatBool(strings.TrimSpace(req.ReferenceAnswer) != ""))

	flags := make([]string, len(req.Flags))
	for i, f := range req.Flags {
		flags[i] = string(f)
	}
	sort.Strings(flags)
	for _, f := range flags {
		write(f)
	}

	return d.Sum64()
}

// normalize lower-cases s, trims it and collapses internal whitespace runs.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func normalizedTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if n := normalize(t); n != "" {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
