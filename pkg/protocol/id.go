package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

var segmentRe = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

// PackageID is a `namespace:name` pair. Both halves are lowercase
// kebab-case. Values produced by ParsePackageID are normalised, so
// equality is plain string equality.
type PackageID string

// ParsePackageID normalises and validates s.
func ParsePackageID(s string) (PackageID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	ns, name, ok := strings.Cut(s, ":")
	if !ok {
		return "", &ValidationError{Field: "package id", Msg: "`" + s + "` must be of the form namespace:name"}
	}
	if !segmentRe.MatchString(ns) {
		return "", &ValidationError{Field: "package id", Msg: "namespace `" + ns + "` is not a valid kebab-case identifier"}
	}
	if !segmentRe.MatchString(name) {
		return "", &ValidationError{Field: "package id", Msg: "name `" + name + "` is not a valid kebab-case identifier"}
	}
	return PackageID(ns + ":" + name), nil
}

// Validate reports whether id is already in normalised form.
func (id PackageID) Validate() error {
	n, err := ParsePackageID(string(id))
	if err != nil {
		return err
	}
	if n != id {
		return &ValidationError{Field: "package id", Msg: "`" + string(id) + "` is not normalised"}
	}
	return nil
}

func (id PackageID) Namespace() string {
	ns, _, _ := strings.Cut(string(id), ":")
	return ns
}

func (id PackageID) Name() string {
	_, name, _ := strings.Cut(string(id), ":")
	return name
}

func (id PackageID) String() string { return string(id) }

// Version is a semantic version without the leading "v".
type Version string

// ParseVersion validates s as a full MAJOR.MINOR.PATCH semantic version.
// Shorthand forms such as "1" or "1.2" are rejected.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ValidationError{Field: "version", Msg: "version is empty"}
	}
	raw := strings.TrimPrefix(s, "v")
	v := "v" + raw
	if !semver.IsValid(v) {
		return "", &ValidationError{Field: "version", Msg: "`" + s + "` is not a valid semantic version"}
	}
	// semver.Canonical expands shorthand forms; a full version keeps its
	// major.minor.patch core unchanged.
	core := raw
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	if strings.Count(core, ".") != 2 {
		return "", &ValidationError{Field: "version", Msg: "`" + s + "` must have the form MAJOR.MINOR.PATCH"}
	}
	return Version(raw), nil
}

// Validate reports whether v is a well-formed version.
func (v Version) Validate() error {
	n, err := ParseVersion(string(v))
	if err != nil {
		return err
	}
	if n != v {
		return &ValidationError{Field: "version", Msg: "`" + string(v) + "` must not carry a `v` prefix"}
	}
	return nil
}

// Compare orders versions by semver precedence. Build metadata is ignored.
func (v Version) Compare(w Version) int {
	return semver.Compare("v"+string(v), "v"+string(w))
}

// Equal reports semver equality, which differs from string equality only in
// build metadata.
func (v Version) Equal(w Version) bool { return v.Compare(w) == 0 }

func (v Version) String() string { return string(v) }

const digestPrefix = "sha256:"

// Digest is an algorithm-tagged content hash, "sha256:<64 hex>".
type Digest string

// DigestOf returns the SHA-256 digest of b.
func DigestOf(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest(digestPrefix + hex.EncodeToString(sum[:]))
}

// ParseDigest validates s.
func ParseDigest(s string) (Digest, error) {
	d := Digest(strings.TrimSpace(s))
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

func (d Digest) Validate() error {
	hexPart, ok := strings.CutPrefix(string(d), digestPrefix)
	if !ok {
		return &ValidationError{Field: "digest", Msg: "`" + string(d) + "` must start with " + digestPrefix}
	}
	if len(hexPart) != sha256.Size*2 {
		return &ValidationError{Field: "digest", Msg: "`" + string(d) + "` has the wrong length"}
	}
	if _, err := hex.DecodeString(hexPart); err != nil || strings.ToLower(hexPart) != hexPart {
		return &ValidationError{Field: "digest", Msg: "`" + string(d) + "` is not lowercase hex"}
	}
	return nil
}

// Hex returns the hex portion of the digest.
func (d Digest) Hex() string { return strings.TrimPrefix(string(d), digestPrefix) }

// Matches reports whether b hashes to d.
func (d Digest) Matches(b []byte) bool { return DigestOf(b) == d }

func (d Digest) String() string { return string(d) }
