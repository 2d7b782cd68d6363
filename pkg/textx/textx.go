// Package textx provides small text utilities used across the project.
package textx

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

const maxChannelNameLen = 63

var (
	safeIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	validChannel    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	channelReplacer = strings.NewReplacer("-", "_", ".", "_")
)

// ChannelName derives a notification channel name from an untrusted task
// ID so that no untrusted bytes ever reach a LISTEN/SUBSCRIBE command.
// IDs made of [A-Za-z0-9_.-] keep a readable form with '-' and '.' mapped
// to '_' (prefixed with "t_" when they start with a digit); anything else
// is replaced by "h_" plus the first 16 hex chars of its SHA-256.
func ChannelName(prefix, taskID string) string {
	var name string
	if safeIDPattern.MatchString(taskID) {
		name = channelReplacer.Replace(taskID)
		if name[0] >= '0' && name[0] <= '9' {
			name = "t_" + name
		}
	} else {
		name = hashedChannelName(taskID)
	}
	if prefix != "" {
		name = prefix + "_" + name
	}
	if len(name) > maxChannelNameLen {
		name = hashedChannelName(taskID)
		if prefix != "" && len(prefix)+1+len(name) <= maxChannelNameLen {
			name = prefix + "_" + name
		}
	}
	return name
}

func hashedChannelName(taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	return "h_" + strings.ToLower(hex.EncodeToString(sum[:8]))
}

// ValidateChannel rejects channel names that could smuggle bytes into a
// notification command: only [A-Za-z_][A-Za-z0-9_]* up to 63 chars pass.
func ValidateChannel(name string) error {
	if len(name) == 0 || len(name) > maxChannelNameLen {
		return fmt.Errorf("channel name length %d out of range", len(name))
	}
	if !validChannel.MatchString(name) {
		return fmt.Errorf("channel name %q contains forbidden characters", name)
	}
	return nil
}
