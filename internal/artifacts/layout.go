// Package artifacts names and writes the per-document outputs of a job.
//
// All outputs of a job live under {base}/{user_id}/{project_id}/runs/{job_id}/
// and are named after the document's stem:
//
//	{stem}.corrected.{ext}
//	{stem}.corrections.jsonl
//	{stem}.corrections.docx
//	{stem}.changelog.csv
//	{stem}.summary.md
package artifacts

import (
	"path/filepath"
	"strings"
)

// Export kinds stored in the registry.
const (
	KindDocx  = "docx"
	KindTxt   = "txt"
	KindJSONL = "jsonl"
	KindCSV   = "csv"
	KindMD    = "md"
)

// Categories reported by ListArtifacts.
const (
	CategoryCorrected    = "corrected"
	CategoryLogJSONL     = "log_jsonl"
	CategoryReportDocx   = "report_docx"
	CategoryChangelogCSV = "changelog_csv"
	CategorySummaryMD    = "summary_md"
	CategoryOther        = "other"
)

type Layout struct {
	Dir          string
	Corrected    string
	LogJSONL     string
	ReportDocx   string
	ChangelogCSV string
	SummaryMD    string
}

// JobDir is the output directory of one job.
func JobDir(base, userID, projectID, jobID string) string {
	return filepath.Join(base, userID, projectID, "runs", jobID)
}

// NewLayout names the outputs for one document. docName is the display name
// (its stem is used); inputPath decides whether the corrected copy is docx or txt.
func NewLayout(base, userID, projectID, jobID, docName, inputPath string) Layout {
	dir := JobDir(base, userID, projectID, jobID)
	stem := Stem(docName)
	ext := KindTxt
	if strings.EqualFold(filepath.Ext(inputPath), ".docx") {
		ext = KindDocx
	}
	return Layout{
		Dir:          dir,
		Corrected:    filepath.Join(dir, stem+".corrected."+ext),
		LogJSONL:     filepath.Join(dir, stem+".corrections.jsonl"),
		ReportDocx:   filepath.Join(dir, stem+".corrections.docx"),
		ChangelogCSV: filepath.Join(dir, stem+".changelog.csv"),
		SummaryMD:    filepath.Join(dir, stem+".summary.md"),
	}
}

// Stem is the base name without its last extension.
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CorrectedKind is the export kind of the corrected copy.
func (l Layout) CorrectedKind() string {
	if strings.HasSuffix(l.Corrected, "."+KindDocx) {
		return KindDocx
	}
	return KindTxt
}

// Files pairs each output path with its export kind, corrected copy first.
func (l Layout) Files() [][2]string {
	return [][2]string{
		{l.CorrectedKind(), l.Corrected},
		{KindJSONL, l.LogJSONL},
		{KindDocx, l.ReportDocx},
		{KindCSV, l.ChangelogCSV},
		{KindMD, l.SummaryMD},
	}
}

// Category classifies an output file by its name.
func Category(path string) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".corrections.jsonl"):
		return CategoryLogJSONL
	case strings.HasSuffix(name, ".corrections.docx"):
		return CategoryReportDocx
	case strings.HasSuffix(name, ".changelog.csv"):
		return CategoryChangelogCSV
	case strings.HasSuffix(name, ".summary.md"):
		return CategorySummaryMD
	case strings.Contains(name, ".corrected."):
		return CategoryCorrected
	default:
		return CategoryOther
	}
}
