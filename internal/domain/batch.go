package domain

import "time"

// BatchStatus is the final outcome of one scheduling cycle.
type BatchStatus string

const (
	BatchSubmitted   BatchStatus = "submitted"
	BatchMergeFailed BatchStatus = "merge_failed"
	BatchEmptyMerge  BatchStatus = "empty_merge"
	BatchWriteFailed BatchStatus = "write_failed"
	// BatchRequeued means the session closed before the write began. The
	// merged batch is held and written unchanged once the session is ready.
	BatchRequeued BatchStatus = "requeued"
)

// Batch records what happened to one drained set of prompts.
type Batch struct {
	ID        string
	Items     []PromptItem
	Merged    string
	Status    BatchStatus
	Error     string
	CreatedAt time.Time
}

// Authors returns the distinct authors of the batch.
func (b Batch) Authors() []string {
	return Authors(b.Items)
}
