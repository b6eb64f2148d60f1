package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"correctord/internal/artifacts"
	"correctord/internal/correction"
	"correctord/internal/document"
	"correctord/internal/plans"
	"correctord/internal/registry"
	"correctord/internal/scheduler"
	"correctord/pkg/logx"

	"github.com/google/uuid"
)

type outcome struct {
	kind        correction.Kind
	corrections int
	exports     []registry.Export
}

// execute runs the pipeline for a leased task. Panics become errors.
func (w *Worker) execute(ctx context.Context, t scheduler.DocumentTask, rec registry.Task) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("task.panic", append(taskFields(t), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 24)))...)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	job, err := w.reg.GetJob(ctx, t.JobID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return out, ErrJobMissing
		}
		return out, fmt.Errorf("database error: %w", err)
	}
	doc, err := w.reg.GetDocument(ctx, t.DocumentID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return out, ErrDocumentMissing
		}
		return out, fmt.Errorf("database error: %w", err)
	}

	restored, err := document.Restore(doc.Path, doc.ContentBackup)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return out, ErrDocumentMissing
	case err != nil:
		return out, fmt.Errorf("restore document: %w", err)
	case restored:
		w.log.Info("document.restored_from_backup", logx.String("document", doc.ID), logx.String("path", doc.Path))
	}

	limits := plans.Free
	if u, err := w.reg.GetUser(ctx, job.OwnerUserID); err == nil {
		limits = plans.Lookup(u.Plan)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return out, fmt.Errorf("database error: %w", err)
	}
	want := correction.KindFor(rec.UseAI, limits.AIEnabled)
	corrector, kind := w.correctors.Pick(want)
	if kind != want {
		w.log.Info("corrector.fallback", logx.String("document", doc.ID), logx.String("wanted", want.String()), logx.String("using", kind.String()))
	}
	out.kind = kind

	paragraphs, err := document.Read(doc.Path)
	if err != nil {
		return out, fmt.Errorf("read document: %w", err)
	}
	corrected, entries, err := correction.Process(ctx, paragraphs, corrector, w.cfg.Chunk)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("engine error: %w", err)
	}
	out.corrections = len(entries)

	layout := artifacts.NewLayout(w.cfg.ArtifactsDir, job.OwnerUserID, job.ProjectID, job.ID, doc.Name, doc.Path)
	if err := writeArtifacts(layout, doc, corrected, entries); err != nil {
		return out, fmt.Errorf("write artifacts: %w", err)
	}

	now := w.now()
	if len(entries) > 0 {
		if err := w.reg.AddSuggestions(ctx, suggestions(job.ID, doc.ID, kind, entries, now)); err != nil {
			return out, fmt.Errorf("database error: %w", err)
		}
	}
	for _, f := range layout.Files() {
		out.exports = append(out.exports, registry.Export{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			DocumentID: doc.ID,
			Kind:       f[0],
			Path:       f[1],
			CreatedAt:  now,
		})
	}
	w.mirrorFiles(ctx, layout)
	return out, nil
}

func writeArtifacts(l artifacts.Layout, doc registry.Document, corrected []string, entries []correction.LogEntry) error {
	if l.CorrectedKind() == artifacts.KindDocx {
		if err := document.WritePreservingFormatting(doc.Path, corrected, l.Corrected); err != nil {
			return err
		}
	} else if err := document.Write(corrected, l.Corrected); err != nil {
		return err
	}
	if err := artifacts.WriteJSONL(l.LogJSONL, entries); err != nil {
		return err
	}
	if err := artifacts.WriteReport(l.ReportDocx, doc.Name, entries); err != nil {
		return err
	}
	if err := artifacts.WriteChangelogCSV(l.ChangelogCSV, entries); err != nil {
		return err
	}
	return artifacts.WriteSummary(l.SummaryMD, artifacts.Stem(doc.Name), entries)
}

func suggestions(jobID, docID string, kind correction.Kind, entries []correction.LogEntry, now time.Time) []registry.Suggestion {
	out := make([]registry.Suggestion, 0, len(entries))
	for _, e := range entries {
		typ, severity := correction.Classify(e.Reason)
		out = append(out, registry.Suggestion{
			ID:         uuid.NewString(),
			JobID:      jobID,
			DocumentID: docID,
			TokenID:    e.TokenID,
			Line:       e.Line,
			Type:       typ,
			Severity:   severity,
			Before:     e.Original,
			After:      e.Corrected,
			Reason:     e.Reason,
			Source:     kind.Source(),
			Context:    e.Context,
			Sentence:   e.Sentence,
			Status:     "pending",
			CreatedAt:  now,
		})
	}
	return out
}

// mirrorFiles copies the outputs to the mirror. Failures are logged only.
func (w *Worker) mirrorFiles(ctx context.Context, l artifacts.Layout) {
	if w.mirror == nil {
		return
	}
	for _, f := range l.Files() {
		key := artifacts.Key(w.cfg.ArtifactsDir, f[1])
		if err := w.mirror.Upload(ctx, key, f[1]); err != nil {
			w.log.Warn("artifact.mirror_failed", logx.String("key", key), logx.Err(err))
		}
	}
}
