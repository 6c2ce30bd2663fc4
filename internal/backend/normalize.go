// Package backend derives the wire-level (backend, path, options) tuple
// sent to workers from a repository's stored configuration. Its main job is
// legacy compatibility: repositories created with native s3.* options are
// rewritten to the rclone transport the worker tool actually uses, without
// touching the stored rows.
//
// The same normalization runs for every worker-facing flow: init, backup,
// prune, snapshot listing, check, repair, restore.
package backend

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Backend tags as stored on repositories.
const (
	S3     = "s3"
	Rclone = "rclone"
)

// legacyS3ToRclone maps legacy s3.* option keys to their rclone.config
// equivalents. Boolean flags are handled separately because their rclone
// counterparts are only set when the legacy value is "true".
var legacyS3ToRclone = map[string]string{
	"s3.endpoint":          "rclone.config.endpoint",
	"s3.region":            "rclone.config.region",
	"s3.access-key-id":     "rclone.config.access_key_id",
	"s3.secret-access-key": "rclone.config.secret_access_key",
	"s3.session-token":     "rclone.config.session_token",
	"s3.profile":           "rclone.config.profile",
	"s3.storage-class":     "rclone.config.storage_class",
	"s3.acl":               "rclone.config.acl",
}

var legacyS3Bools = map[string]string{
	"s3.path-style":    "rclone.config.force_path_style",
	"s3.disable-tls":   "rclone.config.disable_http2",
	"s3.no-verify-ssl": "rclone.config.no_check_certificate",
}

// Effective is the normalized tuple placed into worker request payloads.
type Effective struct {
	Backend string
	Path    string
	Options map[string]string
}

// Normalize computes the effective backend, repository path, and options
// for a repository. repoID seeds the synthesized rclone remote name when
// the stored path carries none.
func Normalize(repoID uuid.UUID, backendTag, path string, options map[string]string) Effective {
	opts := cloneOptions(options)

	rcloneNative := hasRcloneKeys(opts)
	legacyS3 := backendTag == S3 && hasLegacyS3Keys(opts)

	// Legacy s3.* options are translated to rclone.config.* equivalents
	// unless the repository already carries rclone-native config.
	if !rcloneNative && legacyS3 {
		enrichFromLegacyS3(opts)
	}

	forceRclone := backendTag == Rclone ||
		(backendTag == S3 && (rcloneNative || legacyS3 || hasRcloneKeys(opts)))

	if !forceRclone {
		return Effective{Backend: backendTag, Path: path, Options: opts}
	}

	return Effective{
		Backend: Rclone,
		Path:    rclonePath(repoID, path, opts),
		Options: opts,
	}
}

// enrichFromLegacyS3 synthesizes rclone.config.* keys from the legacy s3.*
// keys, sets rclone.type when absent, and infers the provider from the
// endpoint host (Cloudflare for R2, AWS otherwise).
func enrichFromLegacyS3(opts map[string]string) {
	for legacyKey, rcloneKey := range legacyS3ToRclone {
		if v, ok := opts[legacyKey]; ok && v != "" {
			if _, exists := opts[rcloneKey]; !exists {
				opts[rcloneKey] = v
			}
		}
	}
	for legacyKey, rcloneKey := range legacyS3Bools {
		if opts[legacyKey] == "true" {
			opts[rcloneKey] = "true"
		}
	}

	if _, ok := opts["rclone.type"]; !ok {
		opts["rclone.type"] = "s3"
	}

	if _, ok := opts["rclone.config.provider"]; !ok {
		opts["rclone.config.provider"] = inferProvider(opts["s3.endpoint"])
	}
}

func inferProvider(endpoint string) string {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	if strings.Contains(host, "r2.cloudflarestorage.com") {
		return "Cloudflare"
	}
	return "AWS"
}

// rclonePath rewrites the stored repository path into an rclone wire path.
// Paths already in rclone form keep their remote; otherwise a deterministic
// remote derived from the repository id is synthesized and persisted into
// the rclone.remote option.
func rclonePath(repoID uuid.UUID, path string, opts map[string]string) string {
	if strings.HasPrefix(path, "rclone:") {
		return path
	}

	remote := opts["rclone.remote"]
	if remote == "" {
		remote = "glare-" + strings.ReplaceAll(repoID.String(), "-", "")[:8]
		opts["rclone.remote"] = remote
	}

	if strings.HasPrefix(path, "s3:") {
		if bucket := opts["s3.bucket"]; bucket != "" {
			target := bucket
			if prefix := strings.Trim(opts["s3.prefix"], "/"); prefix != "" {
				target += "/" + prefix
			}
			return "rclone:" + remote + ":" + target
		}
	}

	return "rclone:" + remote + ":" + pathPart(path)
}

// pathPart extracts the path component from a URL-form repository path,
// e.g. "s3:https://host/bucket/prefix" -> "bucket/prefix".
func pathPart(path string) string {
	rest := path
	if idx := strings.Index(rest, ":"); idx >= 0 {
		rest = rest[idx+1:]
	}

	if strings.Contains(rest, "://") {
		if u, err := url.Parse(rest); err == nil {
			return strings.Trim(u.Path, "/")
		}
	}

	return strings.Trim(rest, "/")
}

func hasRcloneKeys(opts map[string]string) bool {
	for k := range opts {
		if strings.HasPrefix(k, "rclone.type") || strings.HasPrefix(k, "rclone.config.") {
			return true
		}
	}
	return false
}

func hasLegacyS3Keys(opts map[string]string) bool {
	for k := range opts {
		if strings.HasPrefix(k, "s3.") {
			return true
		}
	}
	return false
}

func cloneOptions(options map[string]string) map[string]string {
	out := make(map[string]string, len(options))
	for k, v := range options {
		out[k] = v
	}
	return out
}
