package webexapi

import (
	"encoding/base64"
	"strings"
)

const hydraPrefix = "ciscospark://us"

const (
	HydraTypeMessage = "MESSAGE"
	HydraTypeRoom    = "ROOM"
)

// BuildHydraID converts a bare activity UUID into the base64 Hydra id the
// public REST API expects. Ids that are already encoded pass through
// unchanged.
func BuildHydraID(id, hydraType string) string {
	if !strings.Contains(id, "-") {
		return id
	}
	return base64.StdEncoding.WithPadding(base64.NoPadding).
		EncodeToString([]byte(hydraPrefix + "/" + hydraType + "/" + id))
}
