// Package documents turns uploaded survey files into registered documents.
//
// Ingest checks the file against the [upload] settings, creates the
// document's instance folders, copies the file into the upload stage folder
// as original_<name>, profiles CSV content, and registers the document. The
// returned payload is ready to be recorded for the upload stage.
package documents
