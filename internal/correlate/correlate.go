// Package correlate derives the stable trace identifier attached to every
// backend call and log line for one logical request.
package correlate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// HeaderName is the inbound/outbound correlation header.
const HeaderName = "x-correlation-id"

// fallbackPrefix tags randomly generated ids so their origin is obvious in logs.
const fallbackPrefix = "toolbroker-"

// Metadata keys consulted when deriving a structured id.
const (
	metaRepo     = "repository"
	metaRepoAlt  = "repo"
	metaPRNumber = "pr_number"
	metaRunID    = "run_id"
	metaActor    = "actor"
)

// GetOrCreate picks the correlation id for a request.
//
// Precedence: an explicit x-correlation-id header wins verbatim; otherwise a
// deterministic structured id is derived from deployment metadata, with an
// 8-char prompt fingerprint appended so duplicate requests are detectable;
// if the metadata needed for a structured id is incomplete, a random
// namespaced id is generated instead.
func GetOrCreate(header string, metadata map[string]string, prompt string) string {
	if header != "" {
		return header
	}

	repo := firstOf(metadata, metaRepo, metaRepoAlt)
	runID := metadata[metaRunID]
	actor := metadata[metaActor]
	if repo == "" || runID == "" || actor == "" {
		return fallbackPrefix + uuid.New().String()
	}

	var b strings.Builder
	b.WriteString(sanitize(repo))
	if pr := metadata[metaPRNumber]; pr != "" {
		fmt.Fprintf(&b, "__pr-%s", sanitize(pr))
	}
	fmt.Fprintf(&b, "__run-%s__actor-%s__%s", sanitize(runID), sanitize(actor), Fingerprint(prompt))
	return b.String()
}

// Fingerprint returns an 8-char content hash of the prompt, used for
// duplicate-request detection inside structured correlation ids.
func Fingerprint(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:8]
}

func firstOf(metadata map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := metadata[k]; v != "" {
			return v
		}
	}
	return ""
}

// sanitize keeps ids single-token: path separators and whitespace become dashes.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '\t', '\n':
			return '-'
		}
		return r
	}, s)
}
