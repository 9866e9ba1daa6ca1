package core

import (
	"github.com/cespare/xxhash/v2"
)

const (
	// BucketCount is the number of rollout buckets; percentages map 1:1 onto it.
	BucketCount = 100

	keySeparator = ":"
	groupSuffix  = ":group"
)

// Bucket maps key to a stable bucket in [0, BucketCount). The hash must not
// change for the lifetime of a deployment: doing so reshuffles every user.
func Bucket(key string) int {
	return int(xxhash.Sum64String(key) % BucketCount)
}

// RolloutKey is the bucketing key for the flag-level rollout percentage.
func RolloutKey(flagName, userID string) string {
	return flagName + keySeparator + userID
}

// GroupKey is the bucketing key for PERCENTAGE_GROUP rules. It is salted
// separately from RolloutKey so group targeting and the flag rollout select
// independent populations.
func GroupKey(flagName, userID string) string {
	return flagName + groupSuffix + keySeparator + userID
}

// InRollout reports whether key falls below percentage. Percentages outside
// 0..100 are clamped, so increasing the percentage only ever adds users.
func InRollout(key string, percentage int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= BucketCount {
		return true
	}
	return Bucket(key) < percentage
}
