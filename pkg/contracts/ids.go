package contracts

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns an opaque prefixed identifier, e.g. "act_4f9c…".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Well-known id prefixes.
const (
	PrefixAction         = "act"
	PrefixReceipt        = "rcpt"
	PrefixApproval       = "appr"
	PrefixPolicy         = "pol"
	PrefixKey            = "key"
	PrefixJob            = "job"
	PrefixEvent          = "evt"
	PrefixDeadLetter     = "dlq"
	PrefixAlert          = "alrt"
	PrefixTenant         = "ten"
	PrefixMember         = "mem"
	PrefixServiceAccount = "svc"
	PrefixSecret         = "sec"
	PrefixRule           = "rule"
	PrefixNode           = "node"
	PrefixEdge           = "edge"
	PrefixBackup         = "bak"
	PrefixControl        = "ctl"
)
