package models

import "github.com/IBM/fp-go/v2/option"

// ArchiveRef is a remote archive discovered in the bulk listing.
type ArchiveRef struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// LocalArchive is an archive downloaded to scratch storage.
type LocalArchive struct {
	Path   string     `json:"path"`
	Source ArchiveRef `json:"source"`
}

// CaseFileRecord is the flat projection of one <case-file> element.
type CaseFileRecord struct {
	CategoryCode       option.Option[string]
	MarkIdentification option.Option[string]
	SerialNumber       option.Option[string]
	// comma-joined party names, "" when the case file lists no owners
	CaseFileOwners string
	Status         option.Option[string]
	SourceFilename string
}

type Dataset []CaseFileRecord

// StoredTrademark is a CaseFileRecord as read back from the trademarks table.
type StoredTrademark struct {
	ID                 int64   `json:"id"`
	CategoryCode       *string `json:"category_code"`
	MarkIdentification *string `json:"mark_identification"`
	SerialNumber       *string `json:"serial_number"`
	CaseFileOwners     *string `json:"case_file_owners"`
	Status             *string `json:"status"`
	XMLFilename        *string `json:"xml_filename"`
}

// RunReport summarizes one pipeline run.
type RunReport struct {
	ArchivesFound    int   `json:"archives_found"`
	ArchivesFetched  int   `json:"archives_fetched"`
	ArchivesSkipped  int   `json:"archives_skipped"`
	ArchivesExpanded int   `json:"archives_expanded"`
	ArchivesFailed   int   `json:"archives_failed"`
	FilesProcessed   int   `json:"files_processed"`
	FilesSkipped     int   `json:"files_skipped"`
	RecordsExtracted int   `json:"records_extracted"`
	RowsLoaded       int64 `json:"rows_loaded"`
	ReclaimFailures  int   `json:"reclaim_failures"`
}

// Text returns the value of an optional field, or "" when absent.
func Text(o option.Option[string]) string {
	return option.MonadGetOrElse(o, func() string { return "" })
}

// Optional maps blank text to an absent value.
func Optional(s string) option.Option[string] {
	if s == "" {
		return option.None[string]()
	}
	return option.Some(s)
}
