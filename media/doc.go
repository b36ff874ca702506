// Package media decodes timestamped frames out of moq groups.
//
// Each frame payload starts with its presentation timestamp in microseconds,
// encoded as a QUIC variable-length integer; the rest is opaque. The first
// frame of a group is its keyframe.
//
// GroupConsumer is the per-group engine. Besides plain ordered reads it offers
// BufferFramesUntil, which reads ahead until a timestamp is reached. That call
// is meant to be raced: when its group ends before the cutoff it blocks until
// the caller's context is cancelled instead of returning early, so a finished
// group never wins a race it could not actually satisfy.
//
// TrackConsumer builds on it to follow a live track with bounded latency,
// skipping to a newer group once it has buffered far enough ahead.
package media
