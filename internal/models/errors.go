package models

import "fmt"

// DiscoveryError means the archive listing could not be read. It is fatal to a run.
type DiscoveryError struct {
	URL    string
	Status int
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("discover archives at %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("discover archives at %s: %v", e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// FetchError reports a single archive that could not be downloaded.
type FetchError struct {
	Filename string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.Filename, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Filename, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExpansionError reports a corrupt or unreadable archive.
type ExpansionError struct {
	Archive string
	Err     error
}

func (e *ExpansionError) Error() string {
	return fmt.Sprintf("expand %s: %v", e.Archive, e.Err)
}

func (e *ExpansionError) Unwrap() error { return e.Err }

// ExtractionError reports an XML document that could not be parsed.
type ExtractionError struct {
	File string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.File, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// LoadError aborts a table append. Batches before Batch are already committed.
type LoadError struct {
	Batch         int
	RowsCommitted int64
	Err           error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load batch %d (%d rows committed): %v", e.Batch, e.RowsCommitted, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
