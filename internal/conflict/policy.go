// Package conflict decides what happens when a batch collides with key
// tuples already present in an archive.
package conflict

import (
	"context"
	"fmt"
	"strings"

	fierrors "github.com/finarchive/finarchive/internal/errors"
)

// Resolution is the decision taken for a conflict set.
type Resolution int

const (
	// Deny keeps the stored rows for conflicting keys.
	Deny Resolution = iota
	// Allow lets the batch overwrite stored rows for conflicting keys.
	Allow
)

// String returns "allow" or "deny".
func (r Resolution) String() string {
	if r == Allow {
		return "allow"
	}
	return "deny"
}

// DenyMode selects what a Deny resolution does to a merge.
type DenyMode string

const (
	// DenyDrop drops the conflicting batch rows and appends the rest.
	DenyDrop DenyMode = "drop"
	// DenyAbort returns the stored table unchanged and writes nothing.
	DenyAbort DenyMode = "abort"
)

// Conflict describes the key tuples present in both the archive and the batch.
type Conflict struct {
	// Count is the number of conflicting key tuples
	Count int

	// KeyColumns names the columns forming the key
	KeyColumns []string

	// Sample holds up to SampleSize conflicting key tuples in text form
	Sample [][]string

	// Path is the archive path, empty for in-memory merges
	Path string

	// BatchRows and ArchiveRows are the sizes of both sides of the merge
	BatchRows   int
	ArchiveRows int
}

// SampleSize bounds the number of key tuples carried in Conflict.Sample.
const SampleSize = 5

// Summary renders a human-readable description of the conflict.
func (c Conflict) Summary() string {
	var b strings.Builder
	target := c.Path
	if target == "" {
		target = "the stored table"
	}
	fmt.Fprintf(&b, "%d of %d new rows share key (%s) with rows already in %s (%d rows).\n",
		c.Count, c.BatchRows, strings.Join(c.KeyColumns, ", "), target, c.ArchiveRows)
	for _, tuple := range c.Sample {
		fmt.Fprintf(&b, "  (%s)\n", strings.Join(tuple, ", "))
	}
	if c.Count > len(c.Sample) {
		fmt.Fprintf(&b, "  ... and %d more\n", c.Count-len(c.Sample))
	}
	return b.String()
}

// Policy resolves a conflict set. It is consulted at most once per merge.
type Policy interface {
	Resolve(ctx context.Context, c Conflict) (Resolution, error)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, c Conflict) (Resolution, error)

// Resolve calls f.
func (f PolicyFunc) Resolve(ctx context.Context, c Conflict) (Resolution, error) {
	return f(ctx, c)
}

// Fixed returns a policy that always answers res, for unattended runs.
func Fixed(res Resolution) Policy {
	return PolicyFunc(func(context.Context, Conflict) (Resolution, error) {
		return res, nil
	})
}

// ParseResponse maps an operator answer to a resolution. "y" and "yes"
// allow, "n" and "no" deny, and an empty answer takes the default, Deny.
// Case and surrounding space are ignored. Anything else is an
// InvalidUserResponse.
func ParseResponse(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return Allow, nil
	case "n", "no", "":
		return Deny, nil
	default:
		return Deny, fierrors.NewInvalidUserResponse(fmt.Sprintf("unrecognized answer %q, expected Y or N", strings.TrimSpace(s)))
	}
}

// ParseResolution maps a configured resolution name ("allow" or "deny").
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	default:
		return Deny, fmt.Errorf("unknown resolution %q", s)
	}
}
