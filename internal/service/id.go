package service

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes per entity kind
const (
	challengeIDPrefix     = "chl_"
	methodIDPrefix        = "mth_"
	recoveryCodeIDPrefix  = "rcv_"
	pushDeviceIDPrefix    = "pdv_"
	pushChallengeIDPrefix = "psh_"
)

// generateID returns a prefixed identifier derived from a random UUID
func generateID(prefix string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(id) > 26 {
		id = id[:26]
	}
	return prefix + id
}
