package core

import (
	"crypto/md5" //nolint:gosec // bucketing only; not used for security
	"encoding/hex"
	"strconv"
)

const variantHashSuffix = "_variant"

// Bucket maps a key to a stable value in [0, 100). The scheme is fixed:
// MD5 over the UTF-8 bytes of the key, first 8 hex characters parsed as an
// unsigned 32-bit integer, mod 100. Changing any step of this would shift
// existing users between buckets, so it must stay bit-for-bit identical.
func Bucket(key string) uint32 {
	return hashPrefix(key) % 100
}

// InRollout reports whether userID falls inside a percentage rollout.
// The result is pure in (userID, percentage): a user in rollout at P stays in
// rollout for every percentage >= P.
func InRollout(userID string, percentage int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	return Bucket(userID) < uint32(percentage)
}

// SelectVariant picks a variant for userID proportionally to the declared
// weights, using a consistent hash of userID + "_variant" so the same user
// always lands on the same arm. Returns "" when no variant is selectable.
func SelectVariant(userID string, variants []Variant) string {
	total := 0
	for _, variant := range variants {
		if variant.Weight > 0 {
			total += variant.Weight
		}
	}
	if total == 0 {
		return ""
	}

	point := hashPrefix(userID+variantHashSuffix) % uint32(total)

	cumulative := uint32(0)
	for _, variant := range variants {
		if variant.Weight <= 0 {
			continue
		}
		cumulative += uint32(variant.Weight)
		if point < cumulative {
			return variant.Name
		}
	}

	return ""
}

func hashPrefix(key string) uint32 {
	sum := md5.Sum([]byte(key)) //nolint:gosec
	prefix := hex.EncodeToString(sum[:])[:8]

	value, err := strconv.ParseUint(prefix, 16, 32)
	if err != nil {
		// Unreachable: 8 hex chars always parse as uint32.
		return 0
	}

	return uint32(value)
}
