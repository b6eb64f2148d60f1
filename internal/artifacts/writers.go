package artifacts

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"correctord/internal/correction"
	"correctord/internal/document"
)

// ChangelogHeader is the first row of every changelog csv.
var ChangelogHeader = []string{"token_id", "line", "original", "corrected", "reason", "context", "chunk_index", "sentence"}

func WriteJSONL(path string, entries []correction.LogEntry) error {
	return writeFile(path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func WriteChangelogCSV(path string, entries []correction.LogEntry) error {
	return writeFile(path, func(w *bufio.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(ChangelogHeader); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				strconv.Itoa(e.TokenID),
				strconv.Itoa(e.Line),
				e.Original,
				e.Corrected,
				e.Reason,
				e.Context,
				strconv.Itoa(e.ChunkIndex),
				e.Sentence,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

type reasonCount struct {
	reason string
	n      int
}

// topReasons counts reasons and returns the n most frequent, ties in first-seen order.
func topReasons(entries []correction.LogEntry, n int) []reasonCount {
	idx := map[string]int{}
	var counts []reasonCount
	for _, e := range entries {
		i, ok := idx[e.Reason]
		if !ok {
			i = len(counts)
			idx[e.Reason] = i
			counts = append(counts, reasonCount{reason: e.Reason})
		}
		counts[i].n++
	}
	sort.SliceStable(counts, func(a, b int) bool { return counts[a].n > counts[b].n })
	if len(counts) > n {
		counts = counts[:n]
	}
	return counts
}

// WriteSummary writes the editorial letter for one document.
func WriteSummary(path, stem string, entries []correction.LogEntry) error {
	lines := []string{
		"# Carta de edición — " + stem,
		"",
		fmt.Sprintf("Total de correcciones: %d", len(entries)),
	}
	if top := topReasons(entries, 10); len(top) > 0 {
		lines = append(lines, "", "## Principales motivos")
		for _, rc := range top {
			r := rc.reason
			if r == "" {
				r = "(sin motivo)"
			}
			lines = append(lines, fmt.Sprintf("- %s: %d", r, rc.n))
		}
	}
	lines = append(lines,
		"",
		"## Observaciones",
		"- Este resumen se genera automáticamente a partir del log de correcciones.",
		"- Revise las decisiones finales en el documento con control de cambios.",
		"",
		"## Próximos pasos sugeridos",
		"- Acepte/rechace cambios en DOCX según criterio editorial.",
		"- Revise consistencias intercapítulos y glosario del proyecto.",
		"- Considere activar el modo Profesional para logs detallados y reglas finas.",
	)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

// WriteReport writes the corrections report as a docx listing.
func WriteReport(path, sourceName string, entries []correction.LogEntry) error {
	paras := []string{"Informe de Correcciones"}
	if sourceName != "" {
		paras = append(paras, "Documento: "+sourceName)
	}
	paras = append(paras, fmt.Sprintf("Total de correcciones: %d", len(entries)), "")
	for i, e := range entries {
		paras = append(paras,
			fmt.Sprintf("%d. Línea %d | TokenID %d | Chunk %d", i+1, e.Line, e.TokenID, e.ChunkIndex),
			"Original: "+e.Original,
			"Corregido: "+e.Corrected,
			"Motivo: "+e.Reason,
		)
		if e.Context != "" {
			paras = append(paras, "Contexto: "+e.Context)
		}
		if e.Sentence != "" {
			paras = append(paras, "Frase: "+e.Sentence)
		}
		paras = append(paras, "")
	}
	return document.Write(paras, path)
}

func writeFile(path string, fn func(w *bufio.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
