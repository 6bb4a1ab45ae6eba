package kr

// MoveChunk asks to transfer ownership of exactly one chunk to another shard.
type MoveChunk struct {
	Namespace string `json:"namespace"`
	Bounds    Bounds `json:"bounds"`
	ToShard   string `json:"to_shard"`
}

// SplitChunk divides the chunk containing At into [min, At) and [At, max).
type SplitChunk struct {
	Namespace string `json:"namespace"`
	At        Key    `json:"at"`
}

// MergeChunks joins the contiguous chunks of one owner covering Bounds.
type MergeChunks struct {
	Namespace string `json:"namespace"`
	Bounds    Bounds `json:"bounds"`
}
