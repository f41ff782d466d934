package indexer

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	giturls "github.com/whilp/git-urls"
)

const (
	repoSlugMax      = 80
	repoSlugTruncate = 60
	branchSlugMax    = 30
	branchSlugTrunc  = 20
	slugHashLen      = 8
)

var credentialsPattern = regexp.MustCompile(`//[^/@]+@`)

// DeriveRepoID canonicalizes a clone URL so every spelling of the same
// repository (ssh, scp-like, credentialed, trailing .git) maps to one id.
func DeriveRepoID(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return ""
	}

	// scp-like git@host:path and ssh:// both normalize to https.
	if parsed, err := giturls.Parse(s); err == nil && parsed.Host != "" {
		switch parsed.Scheme {
		case "ssh", "git", "git+ssh":
			s = "https://" + parsed.Host + "/" + strings.TrimPrefix(parsed.Path, "/")
		}
	}

	s = credentialsPattern.ReplaceAllString(s, "//")

	// Case-insensitive trailing ".git", then trailing slashes.
	for strings.HasSuffix(s, "/") {
		s = strings.TrimSuffix(s, "/")
	}
	if len(s) >= 4 && strings.EqualFold(s[len(s)-4:], ".git") {
		s = s[:len(s)-4]
	}
	for strings.HasSuffix(s, "/") {
		s = strings.TrimSuffix(s, "/")
	}
	return s
}

// DeriveRepoSlug flattens a repo id into a collection-name-safe slug.
func DeriveRepoSlug(repoID string) string {
	return slugify(repoID, repoSlugMax, repoSlugTruncate)
}

// DeriveBranchSlug flattens a branch name, with a tighter length bound.
func DeriveBranchSlug(branch string) string {
	return slugify(branch, branchSlugMax, branchSlugTrunc)
}

// BuildCollectionName assembles the branch-scoped, size-suffixed collection
// name: codebase_{repoSlug}[_{branchSlug}]_{vectorSize}.
func BuildCollectionName(repoSlug string, vectorSize int, branchSlug string) string {
	base := "codebase_" + repoSlug
	if branchSlug != "" {
		base += "_" + branchSlug
	}
	return BuildSizedName(base, vectorSize)
}

// BuildSizedName appends the vector size to base.
func BuildSizedName(base string, vectorSize int) string {
	return base + "_" + strconv.Itoa(vectorSize)
}

// PointID derives the stable uuidv5 id for a chunk. Identical content at the
// same path in the same repo always maps to the same point.
func PointID(namespace uuid.UUID, repoID, path, chunkHash string) string {
	return uuid.NewSHA1(namespace, []byte(repoID+"|"+path+"|"+chunkHash)).String()
}

func slugify(s string, max, truncate int) string {
	var b strings.Builder
	lastSep := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSep = false
		} else if !lastSep {
			b.WriteByte('_')
			lastSep = true
		}
	}
	slug := strings.Trim(b.String(), "_")
	if len(slug) <= max {
		return slug
	}
	sum := sha1.Sum([]byte(s))
	return slug[:truncate] + "_" + hex.EncodeToString(sum[:])[:slugHashLen]
}
