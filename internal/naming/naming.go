// Package naming picks destination object names that do not collide with
// objects already present in the destination namespace.
//
// Resolution is check-then-act: two callers racing on the same candidate can
// both observe a free name. Random suffixes make a duplicate pick unlikely but
// not impossible; callers needing a hard guarantee must rely on conditional
// writes at the destination.
package naming

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"pkt.systems/xfer/internal/svcfields"
)

const (
	// DefaultSuffixLength is the number of random characters appended on collision.
	DefaultSuffixLength = 6
	// DefaultMaxAttempts caps how many suffixed candidates are tried.
	DefaultMaxAttempts = 64
	// Alphabet holds the characters suffixes are drawn from.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789abcdefghijklmnopqrstuvwxyz"
)

// ErrExhausted is returned when no free name was found within MaxAttempts.
var ErrExhausted = errors.New("naming: collision attempts exhausted")

// Namespace is the destination view the resolver needs.
type Namespace interface {
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
}

// Options tunes Resolve.
type Options struct {
	// Overwrite deletes an existing object instead of renaming around it.
	Overwrite bool
	// MaxAttempts bounds the number of suffixed candidates. Zero selects
	// DefaultMaxAttempts; a negative value removes the bound.
	MaxAttempts int
	// SuffixLength defaults to DefaultSuffixLength when <= 0.
	SuffixLength int
	// Intn returns a value in [0, n). Defaults to math/rand/v2.
	Intn func(n int) int
}

// Resolve returns a name under which a new object can be written.
//
// With Overwrite the candidate is returned unchanged after deleting any
// existing object. Without it, "<stem>_<suffix><ext>" names derived from the
// original candidate are tried until one does not exist. Errors from ns are
// returned as-is.
func Resolve(ctx context.Context, candidate string, ns Namespace, opts Options) (string, error) {
	if ns == nil {
		return "", fmt.Errorf("naming: namespace required")
	}
	if strings.TrimSpace(candidate) == "" {
		return "", fmt.Errorf("naming: candidate name required")
	}
	logger := svcfields.FromContext(ctx, nil)
	exists, err := ns.Exists(ctx, candidate)
	if err != nil {
		return "", err
	}
	if !exists {
		return candidate, nil
	}
	if opts.Overwrite {
		logger.Debug("naming.overwrite.delete", "name", candidate)
		if err := ns.Delete(ctx, candidate); err != nil {
			return "", err
		}
		return candidate, nil
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	stem, ext := SplitExt(candidate)
	for attempt := 1; maxAttempts < 0 || attempt <= maxAttempts; attempt++ {
		name := stem + "_" + Suffix(opts.SuffixLength, opts.Intn) + ext
		exists, err := ns.Exists(ctx, name)
		if err != nil {
			return "", err
		}
		logger.Trace("naming.collision.try", "candidate", candidate, "name", name, "attempt", attempt, "exists", exists)
		if !exists {
			logger.Debug("naming.collision.renamed", "candidate", candidate, "name", name, "attempts", attempt)
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q after %d attempts", ErrExhausted, candidate, maxAttempts)
}

// Suffix returns n random characters from Alphabet.
func Suffix(n int, intn func(int) int) string {
	if n <= 0 {
		n = DefaultSuffixLength
	}
	if intn == nil {
		intn = rand.IntN
	}
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(Alphabet[intn(len(Alphabet))])
	}
	return b.String()
}

// SplitExt splits name into stem and extension. The extension starts at the
// last dot of the final path segment; leading dots of that segment never
// start an extension, so ".env" has no extension and "a/b.tar.gz" splits
// into "a/b.tar" and ".gz".
func SplitExt(name string) (string, string) {
	base := name
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		base = name[idx+1:]
	}
	trimmed := strings.TrimLeft(base, ".")
	dot := strings.LastIndexByte(trimmed, '.')
	if dot < 0 {
		return name, ""
	}
	ext := trimmed[dot:]
	return name[:len(name)-len(ext)], ext
}
