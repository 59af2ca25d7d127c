// Package storage names the persisted layout of bus channel snapshots.
package storage

// BucketChannels is the local store bucket holding one snapshot per channel.
const BucketChannels = "channels"
