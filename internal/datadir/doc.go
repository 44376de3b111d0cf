// Package datadir manages the per-document folder tree under the data
// directory: one instance folder per document holding metadata.json and one
// subfolder per stage (01_upload .. 07_final_reports).
//
// Mirror adapts the layout to workflow.Listener so completed stage payloads
// are written next to the stage's files as they are acknowledged.
package datadir
