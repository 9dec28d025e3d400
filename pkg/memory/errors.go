package memory

import "errors"

var (
	// ErrInit (ERR-MEMORY-001): the vector store could not be opened. The
	// caller disables the memory path; foreground requests still succeed.
	ErrInit = errors.New("memory: vector store initialisation failed")
	// ErrEmbedding (ERR-MEMORY-002): embedding generation failed. Foreground
	// recall degrades to no memories; summarisation transfer is retried.
	ErrEmbedding = errors.New("memory: embedding failed")
)
